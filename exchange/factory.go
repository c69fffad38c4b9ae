package exchange

import (
	"sort"
	"strings"
	"sync"
)

// Constructor 构造一个 venue 客户端。构造本身是同步的且不得发起网络连接，
// Connect 是独立的显式步骤。
type Constructor func(opts Options) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register 注册一个交易所构造器，标识不区分大小写。重复注册覆盖。
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = ctor
}

// New 按标识创建交易所客户端。未注册的标识返回 *UnsupportedExchangeError，
// 其中列出全部可用标识。
func New(name string, opts Options) (Client, error) {
	registryMu.RLock()
	ctor, ok := registry[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnsupportedExchangeError{Name: name, Supported: Supported()}
	}
	return ctor(opts)
}

// Supported 返回已注册的交易所标识（字典序）。
func Supported() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
