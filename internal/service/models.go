package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"visiond/internal/fault"
	"visiond/internal/session"
	"visiond/pkg/types"
)

// Extensions recognized as model files in a user's directory.
var modelExtensions = map[string]bool{".pt": true, ".onnx": true}

// modelPath resolves a model name inside the user's directory. Names with
// separators or parent references never resolve: the resulting path must
// stay inside the user's own directory.
func (s *Service) modelPath(user, name string) (string, error) {
	if name == "" {
		return "", fault.InvalidInput("missing model name")
	}
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) ||
		strings.Contains(name, "..") {
		return "", fault.PermissionDenied("invalid model name %q", name)
	}
	dir := filepath.Join(s.modelsDir, user)
	path := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel != name {
		return "", fault.PermissionDenied("invalid model name %q", name)
	}
	return path, nil
}

func (s *Service) listModels(user string) ([]types.ModelInfo, error) {
	dir := filepath.Join(s.modelsDir, user)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []types.ModelInfo{}, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "read model directory", err)
	}

	models := make([]types.ModelInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !modelExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		models = append(models, types.ModelInfo{
			Name:     e.Name(),
			Modified: info.ModTime().Format("2006-01-02 15:04:05"),
			Size:     humanBytes(info.Size()),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

func (s *Service) uploadModel(user string, uploads []session.Upload) (UploadReply, error) {
	if len(uploads) == 0 {
		return UploadReply{}, fault.InvalidInput("no model file in upload")
	}

	dir := filepath.Join(s.modelsDir, user)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return UploadReply{}, fault.Wrap(fault.KindInternal, "create model directory", err)
	}

	var names []string
	for _, up := range uploads {
		name := filepath.Base(strings.ReplaceAll(up.Name, `\`, "/"))
		if !modelExtensions[strings.ToLower(filepath.Ext(name))] {
			return UploadReply{}, fault.InvalidInput("unsupported model file %q", name)
		}
		path, err := s.modelPath(user, name)
		if err != nil {
			return UploadReply{}, err
		}
		if err := writeFile(path, up.Content); err != nil {
			return UploadReply{}, err
		}
		names = append(names, name)
	}
	return UploadReply{
		Message: fmt.Sprintf("%d model(s) uploaded", len(names)),
		Files:   names,
	}, nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "save model file", err)
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fault.Wrap(fault.KindInternal, "save model file", err)
	}
	return nil
}

// deleteModel removes a model file. The active model is ejected first so no
// handle survives the file, and a matching session selection is cleared.
func (s *Service) deleteModel(user, name string) (Message, error) {
	path, err := s.modelPath(user, name)
	if err != nil {
		return Message{}, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Message{}, fault.NotFound("model %q not found", name)
	}

	if active, ok := s.cache.ActiveModel(user); ok && active == name {
		if _, err := s.cache.Eject(user); err != nil {
			return Message{}, err
		}
	}
	if err := os.Remove(path); err != nil {
		return Message{}, fault.Wrap(fault.KindInternal, "delete model file", err)
	}
	if s.sessions.GetSelectedModel(user) == name {
		s.sessions.SetSelectedModel(user, "")
	}
	return Message{Message: fmt.Sprintf("model %q deleted", name)}, nil
}

// humanBytes renders a byte count the way the model listing displays sizes.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
