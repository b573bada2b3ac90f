package storage

// sqlite.go: append-only audit store on SQLite. One writer connection
// keeps transactions serialized; the risk state row is guarded by an
// explicit version compare-and-commit so no two commits can interleave
// even across processes sharing the file.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agenttime/agenttime/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id     TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    markets    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    packet_id            TEXT NOT NULL,
    cycle_id             TEXT NOT NULL UNIQUE,
    run_id               TEXT NOT NULL,
    market_id            TEXT NOT NULL,
    state                TEXT NOT NULL,
    finalized            INTEGER NOT NULL DEFAULT 0,
    exec_status          TEXT NOT NULL,
    needs_reconciliation INTEGER NOT NULL DEFAULT 0,
    executed_unaudited   INTEGER NOT NULL DEFAULT 0,
    corrects_packet_id   TEXT NOT NULL DEFAULT '',
    packet_json          TEXT NOT NULL,
    created_at           TIMESTAMP NOT NULL,
    updated_at           TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id);
CREATE INDEX IF NOT EXISTS idx_decisions_market ON decisions(market_id);

CREATE TABLE IF NOT EXISTS trades (
    bet_id      TEXT PRIMARY KEY,
    cycle_id    TEXT NOT NULL,
    market_id   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    shares      REAL NOT NULL,
    amount      REAL NOT NULL,
    price       REAL NOT NULL,
    executed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence_refs (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id  TEXT NOT NULL,
    url       TEXT NOT NULL,
    note      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_evidence_cycle ON evidence_refs(cycle_id);

CREATE TABLE IF NOT EXISTS risk_state (
    id               INTEGER PRIMARY KEY CHECK (id = 1),
    version          INTEGER NOT NULL,
    kill_switch      INTEGER NOT NULL DEFAULT 0,
    total_exposure   REAL NOT NULL DEFAULT 0,
    realized_pnl     REAL NOT NULL DEFAULT 0,
    unrealized_pnl   REAL NOT NULL DEFAULT 0,
    stop_loss_active INTEGER NOT NULL DEFAULT 0,
    exposure_json    TEXT NOT NULL DEFAULT '{}',
    market_pnl_json  TEXT NOT NULL DEFAULT '{}',
    updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolio_cache (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    cash           REAL NOT NULL,
    positions_json TEXT NOT NULL,
    refreshed_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_state (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    version    INTEGER NOT NULL,
    data       BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// SQLite implements ports.Storage.
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the database at dsn and applies the schema. The
// connection pool is pinned to one connection: SQLite allows a single
// writer, and one connection makes that explicit.
func Open(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.Open: apply schema: %w", err)
	}

	// Seed the singleton risk state row so CAS updates always have a row
	// to compare against.
	_, err = db.Exec(
		`INSERT OR IGNORE INTO risk_state (id, version, updated_at) VALUES (1, 0, ?)`,
		time.Now().UTC(),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.Open: seed risk state: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run. Re-creating an existing run is a
// no-op so resumed runs keep their original metadata.
func (s *SQLite) CreateRun(ctx context.Context, runID string, startedAt time.Time, markets int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, started_at, markets) VALUES (?, ?, ?)`,
		runID, startedAt, markets,
	)
	if err != nil {
		return fmt.Errorf("storage.CreateRun: %w", err)
	}
	return nil
}

// AppendPacket upserts one decision packet, keyed by cycle id. The row
// stays writable while provisional and becomes immutable once the packet
// reaches DONE or FAILED; later writes get domain.ErrPacketFinalized.
func (s *SQLite) AppendPacket(ctx context.Context, p domain.DecisionPacket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.AppendPacket: begin: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPacket(ctx, tx, p); err != nil {
		return fmt.Errorf("storage.AppendPacket: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.AppendPacket: commit: %w", err)
	}
	return nil
}

// AppendPacketTx finalizes a traded packet and commits the new risk
// state in the same transaction, compare-and-committing the state
// version. Either both land or neither does.
func (s *SQLite) AppendPacketTx(ctx context.Context, p domain.DecisionPacket, state domain.RiskState, prevVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.AppendPacketTx: begin: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPacket(ctx, tx, p); err != nil {
		return fmt.Errorf("storage.AppendPacketTx: %w", err)
	}
	if p.Traded() {
		if err := insertTrade(ctx, tx, p); err != nil {
			return fmt.Errorf("storage.AppendPacketTx: %w", err)
		}
	}
	if err := saveRiskState(ctx, tx, state, prevVersion); err != nil {
		return fmt.Errorf("storage.AppendPacketTx: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.AppendPacketTx: commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertPacket(ctx context.Context, tx execer, p domain.DecisionPacket) error {
	var finalized bool
	err := tx.QueryRowContext(ctx,
		`SELECT finalized FROM decisions WHERE cycle_id = ?`, p.CycleID,
	).Scan(&finalized)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first write for this cycle
	case err != nil:
		return fmt.Errorf("lookup cycle %s: %w", p.CycleID, err)
	case finalized:
		return fmt.Errorf("cycle %s: %w", p.CycleID, domain.ErrPacketFinalized)
	}

	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode packet %s: %w", p.PacketID, err)
	}
	now := time.Now().UTC()
	final := p.State == domain.StateDone || p.State == domain.StateFailed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO decisions (
			packet_id, cycle_id, run_id, market_id, state, finalized,
			exec_status, needs_reconciliation, executed_unaudited,
			corrects_packet_id, packet_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cycle_id) DO UPDATE SET
			packet_id            = excluded.packet_id,
			state                = excluded.state,
			finalized            = excluded.finalized,
			exec_status          = excluded.exec_status,
			needs_reconciliation = excluded.needs_reconciliation,
			executed_unaudited   = excluded.executed_unaudited,
			corrects_packet_id   = excluded.corrects_packet_id,
			packet_json          = excluded.packet_json,
			updated_at           = excluded.updated_at
		WHERE decisions.finalized = 0`,
		p.PacketID, p.CycleID, p.RunID, p.MarketID, string(p.State), final,
		string(p.Execution.Status), p.Execution.NeedsReconciliation, p.Execution.ExecutedUnaudited,
		p.CorrectsPacketID, string(blob), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert cycle %s: %w", p.CycleID, err)
	}

	// Evidence rows follow the packet while it is provisional.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM evidence_refs WHERE cycle_id = ?`, p.CycleID); err != nil {
		return fmt.Errorf("clear evidence %s: %w", p.CycleID, err)
	}
	for _, ref := range p.Evidence {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO evidence_refs (cycle_id, url, note) VALUES (?, ?, ?)`,
			p.CycleID, ref.URL, ref.Note); err != nil {
			return fmt.Errorf("insert evidence %s: %w", p.CycleID, err)
		}
	}
	return nil
}

func insertTrade(ctx context.Context, tx execer, p domain.DecisionPacket) error {
	f := p.Execution.Fill
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades
			(bet_id, cycle_id, market_id, kind, outcome, shares, amount, price, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.BetID, p.CycleID, f.MarketID, string(p.Final.Kind), string(f.Outcome),
		f.Shares, f.Amount, f.Price, f.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", f.BetID, err)
	}
	return nil
}

// GetCycle returns the persisted packet for a cycle id.
func (s *SQLite) GetCycle(ctx context.Context, cycleID string) (domain.DecisionPacket, bool, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT packet_json FROM decisions WHERE cycle_id = ?`, cycleID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DecisionPacket{}, false, nil
	}
	if err != nil {
		return domain.DecisionPacket{}, false, fmt.Errorf("storage.GetCycle: %w", err)
	}
	pkt, err := decodePacket(blob)
	if err != nil {
		return domain.DecisionPacket{}, false, fmt.Errorf("storage.GetCycle: %w", err)
	}
	return pkt, true, nil
}

// RecentPackets returns the newest finalized packets, newest first.
func (s *SQLite) RecentPackets(ctx context.Context, limit int) ([]domain.DecisionPacket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT packet_json FROM decisions WHERE finalized = 1 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentPackets: %w", err)
	}
	defer rows.Close()
	return scanPackets(rows)
}

// UnreconciledPackets returns packets needing operator attention: an
// unknown execution outcome, a confirmed trade whose audit write failed,
// or an EXECUTING marker left behind by a crashed process.
func (s *SQLite) UnreconciledPackets(ctx context.Context) ([]domain.DecisionPacket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT packet_json FROM decisions
		WHERE needs_reconciliation = 1
		   OR executed_unaudited = 1
		   OR (state = ? AND finalized = 0)
		ORDER BY id DESC`, string(domain.StateExecuting))
	if err != nil {
		return nil, fmt.Errorf("storage.UnreconciledPackets: %w", err)
	}
	defer rows.Close()
	return scanPackets(rows)
}

func scanPackets(rows *sql.Rows) ([]domain.DecisionPacket, error) {
	var packets []domain.DecisionPacket
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		pkt, err := decodePacket(blob)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, rows.Err()
}

func decodePacket(blob string) (domain.DecisionPacket, error) {
	var pkt domain.DecisionPacket
	if err := json.Unmarshal([]byte(blob), &pkt); err != nil {
		return domain.DecisionPacket{}, fmt.Errorf("decode packet: %w", err)
	}
	return pkt, nil
}

// LoadRiskState reads the singleton risk state row.
func (s *SQLite) LoadRiskState(ctx context.Context) (domain.RiskState, error) {
	var (
		state                       = domain.NewRiskState()
		exposureJSON, marketPnLJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, kill_switch, total_exposure, realized_pnl, unrealized_pnl,
		       stop_loss_active, exposure_json, market_pnl_json, updated_at
		FROM risk_state WHERE id = 1`,
	).Scan(
		&state.Version, &state.KillSwitch, &state.TotalExposure, &state.RealizedPnL,
		&state.UnrealizedPnL, &state.StopLossActive, &exposureJSON, &marketPnLJSON,
		&state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewRiskState(), nil
	}
	if err != nil {
		return domain.RiskState{}, fmt.Errorf("storage.LoadRiskState: %w", err)
	}
	if err := json.Unmarshal([]byte(exposureJSON), &state.Exposure); err != nil {
		return domain.RiskState{}, fmt.Errorf("storage.LoadRiskState: exposure: %w", err)
	}
	if err := json.Unmarshal([]byte(marketPnLJSON), &state.MarketPnL); err != nil {
		return domain.RiskState{}, fmt.Errorf("storage.LoadRiskState: market pnl: %w", err)
	}
	return state, nil
}

// SaveRiskState persists the state, compare-and-committing against
// prevVersion. domain.ErrStaleRiskState when another writer got there
// first.
func (s *SQLite) SaveRiskState(ctx context.Context, state domain.RiskState, prevVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveRiskState: begin: %w", err)
	}
	defer tx.Rollback()

	if err := saveRiskState(ctx, tx, state, prevVersion); err != nil {
		return fmt.Errorf("storage.SaveRiskState: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveRiskState: commit: %w", err)
	}
	return nil
}

func saveRiskState(ctx context.Context, tx execer, state domain.RiskState, prevVersion int64) error {
	exposureJSON, err := json.Marshal(state.Exposure)
	if err != nil {
		return fmt.Errorf("encode exposure: %w", err)
	}
	marketPnLJSON, err := json.Marshal(state.MarketPnL)
	if err != nil {
		return fmt.Errorf("encode market pnl: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE risk_state SET
			version = ?, kill_switch = ?, total_exposure = ?, realized_pnl = ?,
			unrealized_pnl = ?, stop_loss_active = ?, exposure_json = ?,
			market_pnl_json = ?, updated_at = ?
		WHERE id = 1 AND version = ?`,
		state.Version, state.KillSwitch, state.TotalExposure, state.RealizedPnL,
		state.UnrealizedPnL, state.StopLossActive, string(exposureJSON),
		string(marketPnLJSON), state.UpdatedAt, prevVersion,
	)
	if err != nil {
		return fmt.Errorf("update risk state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update risk state: %w", err)
	}
	if n == 0 {
		return domain.ErrStaleRiskState
	}
	return nil
}

// SetKillSwitch flips the kill switch without touching the rest of the
// state. No version precondition: an operator toggle must always win.
func (s *SQLite) SetKillSwitch(ctx context.Context, engaged bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE risk_state SET kill_switch = ?, version = version + 1, updated_at = ?
		WHERE id = 1`,
		engaged, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.SetKillSwitch: %w", err)
	}
	return nil
}

// SavePortfolio caches the latest account snapshot.
func (s *SQLite) SavePortfolio(ctx context.Context, p domain.Portfolio) error {
	positionsJSON, err := json.Marshal(p.Positions)
	if err != nil {
		return fmt.Errorf("storage.SavePortfolio: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO portfolio_cache (id, cash, positions_json, refreshed_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cash = excluded.cash,
			positions_json = excluded.positions_json,
			refreshed_at = excluded.refreshed_at`,
		p.Cash, string(positionsJSON), p.RefreshedAt,
	)
	if err != nil {
		return fmt.Errorf("storage.SavePortfolio: %w", err)
	}
	return nil
}

// LoadPortfolio returns the cached snapshot, empty if never saved.
func (s *SQLite) LoadPortfolio(ctx context.Context) (domain.Portfolio, error) {
	var (
		p             domain.Portfolio
		positionsJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT cash, positions_json, refreshed_at FROM portfolio_cache WHERE id = 1`,
	).Scan(&p.Cash, &positionsJSON, &p.RefreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Portfolio{Positions: map[string]domain.Position{}}, nil
	}
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("storage.LoadPortfolio: %w", err)
	}
	if err := json.Unmarshal([]byte(positionsJSON), &p.Positions); err != nil {
		return domain.Portfolio{}, fmt.Errorf("storage.LoadPortfolio: decode: %w", err)
	}
	return p, nil
}

// LoadStrategyState returns the strategy blob, zero value if never saved.
func (s *SQLite) LoadStrategyState(ctx context.Context) (domain.StrategyState, error) {
	var st domain.StrategyState
	err := s.db.QueryRowContext(ctx,
		`SELECT version, data, updated_at FROM strategy_state WHERE id = 1`,
	).Scan(&st.Version, &st.Data, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StrategyState{}, nil
	}
	if err != nil {
		return domain.StrategyState{}, fmt.Errorf("storage.LoadStrategyState: %w", err)
	}
	return st, nil
}

// SaveStrategyState upserts the strategy blob. Versions only move
// forward; a concurrent older write is silently dropped.
func (s *SQLite) SaveStrategyState(ctx context.Context, st domain.StrategyState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_state (id, version, data, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at
		WHERE excluded.version > strategy_state.version`,
		st.Version, st.Data, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveStrategyState: %w", err)
	}
	return nil
}
