package catalog

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ReadCSV 读取商品 CSV，表头需包含 id,name,price，quantity 可选。
// encoding 为 "gbk" 时按 GBK 解码，否则按 UTF-8（忽略 BOM）。
func ReadCSV(r io.Reader, encoding string) ([]Product, error) {
	switch strings.ToLower(encoding) {
	case "gbk", "gb18030":
		r = transform.NewReader(r, simplifiedchinese.GB18030.NewDecoder())
	case "", "utf8", "utf-8":
		r = transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	default:
		return nil, errors.Newf("unsupported encoding %q", encoding)
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read csv header")
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"id", "name", "price"} {
		if _, ok := cols[required]; !ok {
			return nil, errors.Newf("csv header missing column %q", required)
		}
	}
	qtyCol, hasQty := cols["quantity"]

	var products []Product
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read csv line %d", line)
		}

		var p Product
		if p.ID, err = strconv.Atoi(strings.TrimSpace(record[cols["id"]])); err != nil {
			return nil, errors.Wrapf(err, "line %d: id", line)
		}
		p.Name = strings.TrimSpace(record[cols["name"]])
		if p.Name == "" {
			return nil, errors.Newf("line %d: empty name", line)
		}
		if p.Price, err = strconv.ParseFloat(strings.TrimSpace(record[cols["price"]]), 64); err != nil {
			return nil, errors.Wrapf(err, "line %d: price", line)
		}
		if hasQty && strings.TrimSpace(record[qtyCol]) != "" {
			if p.Quantity, err = strconv.Atoi(strings.TrimSpace(record[qtyCol])); err != nil {
				return nil, errors.Wrapf(err, "line %d: quantity", line)
			}
		}
		products = append(products, p)
	}
	return products, nil
}
