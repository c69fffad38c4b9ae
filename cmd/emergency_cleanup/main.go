// 应急清理工具：撤掉指定交易所/标的上的全部活跃订单并打印剩余持仓。
// 机器人异常退出后手动兜底用，不做任何自动平仓。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"grid-trader-go/exchange"
	"grid-trader-go/exchange/venues"
)

func main() {
	exchangeName := flag.String("exchange", "", "交易所标识（aster/backpack/edgex/grvt/paradex）")
	ticker := flag.String("ticker", "ETH", "交易标的")
	envFile := flag.String("env", ".env", "凭证 .env 文件路径，留空则只用进程环境变量")
	flag.Parse()

	if *exchangeName == "" {
		log.Fatal("需要 -exchange 参数")
	}
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Printf("跳过 .env: %v", err)
		}
	}

	venues.RegisterAll()
	client, err := exchange.New(*exchangeName, exchange.Options{
		Ticker:    *ticker,
		Quantity:  decimal.NewFromInt(1), // 不下单，数量仅用于合约校验
		Direction: exchange.SideBuy,
	})
	if err != nil {
		log.Fatalf("创建客户端失败: %v", err)
	}
	if err := client.ValidateConfig(); err != nil {
		log.Fatalf("凭证检查失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	contract, err := client.GetContractAttributes(ctx)
	if err != nil {
		log.Fatalf("解析合约失败: %v", err)
	}
	fmt.Printf("合约: %s (tick %s)\n", contract.ContractID, contract.TickSize)

	orders, err := client.GetActiveOrders(ctx, contract.ContractID)
	if err != nil {
		log.Fatalf("查询活跃订单失败: %v", err)
	}
	fmt.Printf("活跃订单: %d\n", len(orders))

	canceled, failed := 0, 0
	for _, o := range orders {
		res, err := client.CancelOrder(ctx, o.OrderID)
		if err != nil || !res.Success {
			failed++
			fmt.Printf("  撤单失败 %s: err=%v msg=%s\n", o.OrderID, err, res.ErrorMessage)
			continue
		}
		canceled++
		fmt.Printf("  已撤 %s %s %s @ %s\n", o.OrderID, o.Side, o.Size, o.Price)
	}
	fmt.Printf("撤单完成: %d 成功, %d 失败\n", canceled, failed)

	position, err := client.GetAccountPositions(ctx)
	if err != nil {
		log.Fatalf("查询持仓失败: %v", err)
	}
	if position.IsZero() {
		fmt.Println("当前无持仓")
	} else {
		fmt.Printf("剩余持仓: %s，请手动处理\n", position)
	}
}
