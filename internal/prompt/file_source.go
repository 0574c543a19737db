package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"RelayAgent/pkg/logger"
)

// FileSource 从目录中的 <name>.yaml 读取模板，每个文件按标签保存多个版本。
//
//	labels:
//	  production:
//	    model: gpt-4o-mini
//	    json_mode: true
//	    template: |
//	      ...
type FileSource struct {
	dir string
}

type promptFile struct {
	Labels map[string]Template `yaml:"labels"`
}

// NewFileSource 创建文件模板源。
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Fetch 读取并解析模板文件。
func (s *FileSource) Fetch(ctx context.Context, name, label string) (Template, error) {
	if err := ctx.Err(); err != nil {
		return Template{}, err
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return Template{}, fmt.Errorf("invalid prompt name %q", name)
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, name+".yaml"))
	if err != nil {
		return Template{}, fmt.Errorf("read prompt %s: %w", name, err)
	}
	var file promptFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Template{}, fmt.Errorf("parse prompt %s: %w", name, err)
	}
	if label == "" {
		label = DefaultLabel
	}
	tpl, ok := file.Labels[label]
	if !ok {
		return Template{}, fmt.Errorf("prompt %s has no label %q", name, label)
	}
	tpl.Name = name
	tpl.Label = label
	return tpl, nil
}

// Watch 监听模板目录，文件变化时丢弃对应缓存，直到 ctx 结束。
func (s *FileSource) Watch(ctx context.Context, repo *Repository) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch prompt dir %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".yaml" {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				name := strings.TrimSuffix(filepath.Base(event.Name), ".yaml")
				repo.Invalidate(ctx, name)
				logger.L().Info("提示词文件变更，已刷新缓存", slog.String("prompt", name), slog.String("op", event.Op.String()))
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.L().Warn("提示词目录监听出错", slog.Any("error", werr))
		}
	}
}
