package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc 在配置文件重新加载并校验通过后调用。
type ChangeFunc func(cfg *Config, event fsnotify.Event)

// ErrorFunc 在重新加载失败时调用，旧配置保持生效。
type ErrorFunc func(err error, event fsnotify.Event)

// Watcher 监听配置文件变化，把新的站点版本交给调用方处理。
type Watcher struct {
	onChange ChangeFunc
	onError  ErrorFunc

	mu      sync.Mutex
	current *Config
}

// Watch 读取 path 并开始监听。返回的 Watcher 持有最近一次成功加载的配置。
func Watch(path string, onChange ChangeFunc, onError ErrorFunc) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("config change callback required")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{onChange: onChange, onError: onError, current: cfg}
	v.OnConfigChange(func(event fsnotify.Event) {
		// viper 在回调前已重新读取文件，这里只负责解析与校验
		next, err := decode(v)
		if err != nil {
			if w.onError != nil {
				w.onError(err, event)
			}
			return
		}
		w.mu.Lock()
		w.current = next
		w.mu.Unlock()
		w.onChange(next, event)
	})
	v.WatchConfig()
	return w, nil
}

// Current 返回最近一次成功加载的配置。
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
