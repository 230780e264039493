package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/profile"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileConfig 是风险画像文件的结构：user_id -> profile。
type FileConfig struct {
	Profiles map[string]profile.RiskProfile `yaml:"profiles"`
}

// ProfileSnapshot 对外暴露的只读快照。
type ProfileSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Profiles map[string]profile.RiskProfile
}

// ChangeListener 在配置变更时被调用。
type ChangeListener func(ProfileSnapshot)

// RiskProfileLoader 从 YAML 文件加载风险画像，并监听热更新。
// 解析失败时保留上一份快照。
type RiskProfileLoader struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  ProfileSnapshot
	listeners []ChangeListener
}

// NewRiskProfileLoader 读取文件；watch=true 时通过 fsnotify 监听变更。
func NewRiskProfileLoader(path string, watch bool) (*RiskProfileLoader, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("risk profile loader requires path")
	}
	l := &RiskProfileLoader{path: path}
	if err := l.reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read risk profile file failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := l.reload(); err != nil {
				logger.Errorf("risk profile reload failed (%s): %v", evt.Name, err)
				return
			}
			l.notify()
		})
		v.WatchConfig()
		l.v = v
	}
	return l, nil
}

// Profile implements profile.Source.
func (l *RiskProfileLoader) Profile(userID string) (profile.RiskProfile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.snapshot.Profiles[userID]
	return p, ok
}

// Snapshot 返回当前快照（深拷贝）。
func (l *RiskProfileLoader) Snapshot() ProfileSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Subscribe 注册监听器。
func (l *RiskProfileLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *RiskProfileLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("risk profile listener panic: %v", r)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func (l *RiskProfileLoader) reload() error {
	fileCfg, err := readProfileFile(l.path)
	if err != nil {
		return err
	}
	if len(fileCfg.Profiles) == 0 {
		return fmt.Errorf("risk profile file %s defines no profiles", l.path)
	}
	normalized := make(map[string]profile.RiskProfile, len(fileCfg.Profiles))
	for userID, p := range fileCfg.Profiles {
		p.UserID = userID
		p = p.Normalize()
		if err := p.Validate(); err != nil {
			return fmt.Errorf("risk profile %q: %w", userID, err)
		}
		normalized[userID] = p
	}
	l.mu.Lock()
	l.snapshot = ProfileSnapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profiles: normalized,
	}
	l.mu.Unlock()
	logger.Infof("risk profile loader: %d profiles from %s (users=%s)",
		len(normalized), filepath.Base(l.path), strings.Join(sortedKeys(normalized), ","))
	return nil
}

func readProfileFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read risk profile file failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse risk profile file failed: %w", err)
	}
	return cfg, nil
}

func cloneSnapshot(src ProfileSnapshot) ProfileSnapshot {
	out := ProfileSnapshot{Version: src.Version, LoadedAt: src.LoadedAt}
	if len(src.Profiles) > 0 {
		out.Profiles = make(map[string]profile.RiskProfile, len(src.Profiles))
		for k, v := range src.Profiles {
			out.Profiles[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]profile.RiskProfile) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
