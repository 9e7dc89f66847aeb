package cluster

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// Registry 機器清單；只有 Monitor 會改動健康狀態，讀者拿快照，容許稍微過時
type Registry struct {
	mu       sync.RWMutex
	machines []*types.Machine
	index    map[string]*types.Machine
}

// NewRegistry 建立 registry；機器在第一次成功輪詢前為離線
func NewRegistry(machines ...types.Machine) *Registry {
	r := &Registry{index: make(map[string]*types.Machine)}
	for _, m := range machines {
		r.Add(m)
	}
	return r
}

// Add 註冊機器；URL 已存在時回傳 false
func (r *Registry) Add(m types.Machine) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[m.URL]; ok {
		return false
	}
	if m.Priority == 0 {
		m.Priority = types.DefaultMachinePriority
	}
	m.IsOnline = false
	m.IsBusy = false
	m.ConsecutiveFailures = 0
	entry := &m
	r.machines = append(r.machines, entry)
	r.index[m.URL] = entry
	return true
}

// Remove 依 URL 移除機器
func (r *Registry) Remove(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[url]; !ok {
		return false
	}
	delete(r.index, url)
	for i, m := range r.machines {
		if m.URL == url {
			r.machines = append(r.machines[:i], r.machines[i+1:]...)
			break
		}
	}
	return true
}

// Sync 讓 registry 與重新載入的清單一致
//
// 保留下來的機器沿用健康狀態，只更新優先級。
func (r *Registry) Sync(machines []types.Machine) (added, removed int) {
	want := make(map[string]types.Machine, len(machines))
	for _, m := range machines {
		want[m.URL] = m
	}
	for _, m := range r.Snapshot() {
		if _, ok := want[m.URL]; !ok && r.Remove(m.URL) {
			removed++
		}
	}
	for _, m := range machines {
		if r.Add(m) {
			added++
			continue
		}
		prio := m.Priority
		r.apply(m.URL, func(cur *types.Machine) {
			if prio > 0 {
				cur.Priority = prio
			}
		})
	}
	return added, removed
}

// Snapshot 依註冊順序回傳所有機器的副本
func (r *Registry) Snapshot() []types.Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Machine, len(r.machines))
	for i, m := range r.machines {
		out[i] = *m
	}
	return out
}

// Get 回傳單台機器的副本
func (r *Registry) Get(url string) (types.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.index[url]
	if !ok {
		return types.Machine{}, false
	}
	return *m, true
}

// Len 已註冊機器數
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

func (r *Registry) urls() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.machines))
	for i, m := range r.machines {
		out[i] = m.URL
	}
	return out
}

// apply 在寫鎖下修改單台機器
func (r *Registry) apply(url string, fn func(*types.Machine)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.index[url]
	if !ok {
		return false
	}
	fn(m)
	return true
}

// ============================================================================
// Machines 檔案
// ============================================================================

// LoadMachinesFile 讀取 machines 檔案
func LoadMachinesFile(path string) ([]types.Machine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open machines file: %w", err)
	}
	defer f.Close()
	return ParseMachines(f)
}

// ParseMachines 每行一台機器，格式 host:port[:priority]
//
// 保留 http:// 或 https:// 前綴，未寫時視為 http；空行與 # 註解略過。
// priority 預設 5，範圍 1..10。
func ParseMachines(r io.Reader) ([]types.Machine, error) {
	var out []types.Machine
	seen := make(map[string]bool)
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m, err := parseMachine(line)
		if err != nil {
			return nil, fmt.Errorf("machines line %d: %w", n, err)
		}
		if seen[m.URL] {
			return nil, fmt.Errorf("machines line %d: duplicate machine %s", n, m.URL)
		}
		seen[m.URL] = true
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read machines: %w", err)
	}
	return out, nil
}

func parseMachine(line string) (types.Machine, error) {
	scheme := "http"
	for _, s := range []string{"http://", "https://"} {
		if strings.HasPrefix(line, s) {
			scheme = strings.TrimSuffix(s, "://")
			line = strings.TrimPrefix(line, s)
		}
	}

	parts := strings.Split(line, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return types.Machine{}, fmt.Errorf("expected host:port[:priority], got %q", line)
	}
	host := strings.TrimSpace(parts[0])
	if host == "" {
		return types.Machine{}, fmt.Errorf("empty host in %q", line)
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || port < 1 || port > 65535 {
		return types.Machine{}, fmt.Errorf("invalid port in %q", line)
	}

	prio := types.DefaultMachinePriority
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		prio, err = strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || prio < 1 || prio > 10 {
			return types.Machine{}, fmt.Errorf("priority must be 1..10 in %q", line)
		}
	}
	return types.Machine{
		URL:      fmt.Sprintf("%s://%s:%d", scheme, host, port),
		Priority: prio,
	}, nil
}
