// Package catalog 定义商品目录的数据结构
package catalog

// Product 商品
type Product struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// Prices 提取商品价格序列，顺序与输入一致
func Prices(products []Product) []float64 {
	prices := make([]float64, len(products))
	for i, p := range products {
		prices[i] = p.Price
	}
	return prices
}
