// Package venues 汇总全部交易所实现并注册到工厂。
// 单独成包是为了避免 exchange 核心包反向依赖各 venue 实现。
package venues

import (
	"grid-trader-go/exchange"
	"grid-trader-go/exchange/aster"
	"grid-trader-go/exchange/backpack"
	"grid-trader-go/exchange/edgex"
	"grid-trader-go/exchange/grvt"
	"grid-trader-go/exchange/paradex"
)

// RegisterAll 注册全部支持的交易所，进程启动时调用一次。
func RegisterAll() {
	exchange.Register("aster", aster.New)
	exchange.Register("backpack", backpack.New)
	exchange.Register("edgex", edgex.New)
	exchange.Register("grvt", grvt.New)
	exchange.Register("paradex", paradex.New)
}
