package worker

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"visiond/internal/fault"
)

// generatedDataConfig is the normalized dataset config rendered into the
// job's input dir for training runs.
const generatedDataConfig = "data_for_training.yaml"

// prepareDataConfig reads the user-supplied dataset config from the job's
// dataset dir, verifies the keys a training run cannot do without, rewrites
// `path` to the dataset directory so train/val entries resolve against the
// staged data, and writes the result as input/data_for_training.yaml.
// Returns the path of the generated file.
func prepareDataConfig(jobDir, datasetName string) (string, error) {
	if datasetName == "" {
		return "", fault.InvalidInput("job has no dataset config")
	}
	src := filepath.Join(jobDir, "dataset", datasetName)
	raw, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fault.NotFound("dataset config %q not found", datasetName)
		}
		return "", fault.Internal("reading dataset config: %v", err)
	}

	cfg := map[string]any{}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return "", fault.InvalidInput("parsing dataset config %q: %v", datasetName, err)
	}
	if len(cfg) == 0 {
		return "", fault.InvalidInput("dataset config %q is empty", datasetName)
	}
	for _, key := range []string{"train", "val"} {
		if _, ok := cfg[key]; !ok {
			return "", fault.InvalidInput("dataset config %q missing %q", datasetName, key)
		}
	}

	datasetDir, err := filepath.Abs(filepath.Join(jobDir, "dataset"))
	if err != nil {
		return "", fault.Internal("resolving dataset dir: %v", err)
	}
	cfg["path"] = datasetDir

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fault.Internal("encoding dataset config: %v", err)
	}
	dst := filepath.Join(jobDir, "input", generatedDataConfig)
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return "", fault.Internal("writing %s: %v", generatedDataConfig, err)
	}
	return dst, nil
}
