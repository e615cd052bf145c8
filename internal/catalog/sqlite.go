package catalog

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"chainfeed/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// LoadSQLite reads the instrument-master snapshot from a SQLite database
// produced by the out-of-band scrip-master import job.
func LoadSQLite(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: sqlite open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	rows, err := db.Query(`
		SELECT token, exchange, segment, trading_symbol, name, kind,
		       lot_size, strike_interval, strike, side, expiry
		FROM instruments
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: sqlite query instruments: %w", err)
	}
	defer rows.Close()

	var instruments []model.Instrument
	for rows.Next() {
		var ins model.Instrument
		var kind, side string
		var expiry sql.NullInt64
		if err := rows.Scan(&ins.Token, &ins.Exchange, &ins.Segment, &ins.TradingSymbol,
			&ins.Name, &kind, &ins.LotSize, &ins.StrikeInterval, &ins.Strike, &side, &expiry); err != nil {
			return nil, fmt.Errorf("catalog: sqlite scan instruments: %w", err)
		}
		ins.Kind = model.Kind(kind)
		ins.Side = model.OptionSide(side)
		if expiry.Valid && expiry.Int64 > 0 {
			ins.Expiry = time.Unix(expiry.Int64, 0).UTC()
		}
		instruments = append(instruments, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: sqlite rows: %w", err)
	}

	c := New(instruments)
	log.Printf("[catalog] loaded %d instruments from %s", c.Size(), dbPath)
	return c, nil
}
