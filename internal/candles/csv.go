package candles

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"paper-exchange/pkg/types"
)

// ParseCSV reads candles in the backfill format
//
//	Date,Open,High,Low,Close,Volume
//
// with Date as YYYY-MM-DD. Every parsed row is stamped with the given
// symbol and timeframe; the timestamp is the date at midnight UTC.
func ParseCSV(r io.Reader, symbol string, tf types.Timeframe) ([]types.Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 6

	var out []types.Candle
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line++

		// Header row
		if line == 1 && strings.EqualFold(record[0], "date") {
			continue
		}

		day, err := time.Parse("2006-01-02", record[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: parse date %q: %w", line, record[0], err)
		}

		fields := make([]decimal.Decimal, 5)
		for i, raw := range record[1:] {
			fields[i], err = decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("line %d: parse %q: %w", line, raw, err)
			}
		}

		out = append(out, types.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Ts:        day.UTC().Unix(),
			Open:      fields[0],
			High:      fields[1],
			Low:       fields[2],
			Close:     fields[3],
			Volume:    fields[4],
		})
	}

	return out, nil
}
