// Package admin implements the circuit admin service:
// a replicated consensus service, running on every node, that admits or
// disbands circuits by unanimous vote of their membership. Persistence is
// a relational schema reached through database/sql, with
// modernc.org/sqlite as the default embedded driver and
// github.com/jackc/pgx/v4/stdlib registered as an alternative for a
// standalone Postgres deployment, following the common channeldb-style
// pattern of one store type wrapping one *sql.DB handle, except here the
// backing engine is swappable by connection string rather than fixed to
// one driver.
package admin

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // postgres driver, selected via "pgx" dsn scheme
	_ "modernc.org/sqlite"             // default embedded driver, selected via "sqlite" dsn scheme

	"github.com/splinter-mesh/splinter/internal/xerrors"
)

// ProposalType enumerates the kinds of circuit change an operator may
// request.
type ProposalType int

const (
	ProposalCreate ProposalType = iota
	ProposalDisband
	ProposalUpdateRoster
)

// ProposalStatus is the lifecycle state of a stored proposal.
type ProposalStatus int

const (
	ProposalPending ProposalStatus = iota
	ProposalCommitted
	ProposalRejected
)

// Member is one entry in a circuit's fixed membership.
type Member struct {
	NodeID string
}

// ServiceSpec is one entry in a circuit's service roster, as carried by a
// proposal (routing.Service is the committed routing-table analogue).
type ServiceSpec struct {
	ServiceID    string
	NodeID       string
	AllowedNodes []string
	Arguments    map[string]string
}

// Proposal is the admin service's on-disk and in-memory representation of
// a CircuitProposal, with a per-voter vote_timestamps map (for
// audit/debugging) alongside the vote set.
type Proposal struct {
	CircuitID      string
	CircuitHash    string
	Type           ProposalType
	RequesterNode  string
	Members        []Member
	Services       []ServiceSpec
	Status         ProposalStatus
	Votes          map[string]bool      // node_id -> approve
	VoteComments   map[string]string    // node_id -> reject comment
	VoteTimestamps map[string]time.Time // node_id -> when the vote was recorded
	CreatedAt      time.Time
}

// memberIDs returns the set of node IDs this proposal requires a vote from.
func (p Proposal) memberIDs() []string {
	ids := make([]string, 0, len(p.Members))
	for _, m := range p.Members {
		ids = append(ids, m.NodeID)
	}
	return ids
}

// unanimous reports whether every member in p.Members has recorded an
// approve vote per the commit rule.
func (p Proposal) unanimous() bool {
	if len(p.Members) == 0 {
		return false
	}
	for _, id := range p.memberIDs() {
		approve, ok := p.Votes[id]
		if !ok || !approve {
			return false
		}
	}
	return true
}

// anyRejected reports whether any member has recorded a reject vote.
func (p Proposal) anyRejected() bool {
	for _, approve := range p.Votes {
		if !approve {
			return true
		}
	}
	return false
}

// Store is the relational-schema-backed proposal/circuit store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a Store backed by a database/sql
// driver+dsn pair, e.g. ("sqlite", "file:admin.db") or
// ("pgx", "postgres://..."). Schema creation is idempotent CREATE TABLE IF
// NOT EXISTS run here, with no migration framework.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, xerrors.New(xerrors.PersistentIo, "admin.Open", err)
	}
	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS circuits (
			circuit_id TEXT PRIMARY KEY,
			circuit_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_members (
			circuit_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			PRIMARY KEY (circuit_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_services (
			circuit_id TEXT NOT NULL,
			service_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			allowed_nodes TEXT NOT NULL DEFAULT '',
			arguments TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (circuit_id, service_id)
		)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			circuit_id TEXT PRIMARY KEY,
			circuit_hash TEXT NOT NULL,
			proposal_type INTEGER NOT NULL,
			requester_node TEXT NOT NULL,
			status INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS votes (
			circuit_id TEXT NOT NULL,
			voter_node_id TEXT NOT NULL,
			approve INTEGER NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			voted_at INTEGER NOT NULL,
			PRIMARY KEY (circuit_id, voter_node_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.New(xerrors.PersistentIo, "admin.createSchema", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveProposal inserts or replaces a proposal and its normalized
// members/services rows. Votes are persisted separately via RecordVote, so
// this does not touch the votes table.
func (s *Store) SaveProposal(p Proposal) error {
	tx, err := s.db.Begin()
	if err != nil {
		return xerrors.New(xerrors.PersistentIo, "admin.SaveProposal", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM proposals WHERE circuit_id = ?`, p.CircuitID); err != nil {
		return xerrors.New(xerrors.PersistentIo, "admin.SaveProposal", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO proposals (circuit_id, circuit_hash, proposal_type, requester_node, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.CircuitID, p.CircuitHash, int(p.Type), p.RequesterNode, int(p.Status), p.CreatedAt.Unix(),
	); err != nil {
		return xerrors.New(xerrors.PersistentIo, "admin.SaveProposal", err)
	}

	if _, err := tx.Exec(`DELETE FROM circuit_members WHERE circuit_id = ?`, p.CircuitID); err != nil {
		return xerrors.New(xerrors.PersistentIo, "admin.SaveProposal", err)
	}
	for _, m := range p.Members {
		if _, err := tx.Exec(`INSERT INTO circuit_members (circuit_id, node_id) VALUES (?, ?)`,
			p.CircuitID, m.NodeID); err != nil {
			return xerrors.New(xerrors.PersistentIo, "admin.SaveProposal", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM circuit_services WHERE circuit_id = ?`, p.CircuitID); err != nil {
		return xerrors.New(xerrors.PersistentIo, "admin.SaveProposal", err)
	}
	for _, svc := range p.Services {
		if _, err := tx.Exec(
			`INSERT INTO circuit_services (circuit_id, service_id, node_id, allowed_nodes, arguments)
			 VALUES (?, ?, ?, ?, ?)`,
			p.CircuitID, svc.ServiceID, svc.NodeID, encodeStringList(svc.AllowedNodes), encodeStringMap(svc.Arguments),
		); err != nil {
			return xerrors.New(xerrors.PersistentIo, "admin.SaveProposal", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.New(xerrors.PersistentIo, "admin.SaveProposal", err)
	}
	return nil
}

// RecordVote upserts one member's vote for circuitID, along with when it
// was recorded.
func (s *Store) RecordVote(circuitID, voterNodeID string, approve bool, comment string, votedAt time.Time) error {
	approveInt := 0
	if approve {
		approveInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO votes (circuit_id, voter_node_id, approve, comment, voted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (circuit_id, voter_node_id)
		 DO UPDATE SET approve = excluded.approve, comment = excluded.comment, voted_at = excluded.voted_at`,
		circuitID, voterNodeID, approveInt, comment, votedAt.Unix(),
	)
	if err != nil {
		return xerrors.New(xerrors.PersistentIo, "admin.RecordVote", err)
	}
	return nil
}

// UpdateProposalStatus sets a stored proposal's terminal status.
func (s *Store) UpdateProposalStatus(circuitID string, status ProposalStatus) error {
	_, err := s.db.Exec(`UPDATE proposals SET status = ? WHERE circuit_id = ?`, int(status), circuitID)
	if err != nil {
		return xerrors.New(xerrors.PersistentIo, "admin.UpdateProposalStatus", err)
	}
	return nil
}

// GetProposal loads one proposal, its members, services, and votes.
func (s *Store) GetProposal(circuitID string) (Proposal, bool, error) {
	row := s.db.QueryRow(
		`SELECT circuit_id, circuit_hash, proposal_type, requester_node, status, created_at
		 FROM proposals WHERE circuit_id = ?`, circuitID)

	var p Proposal
	var proposalType, status int
	var createdAt int64
	if err := row.Scan(&p.CircuitID, &p.CircuitHash, &proposalType, &p.RequesterNode, &status, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Proposal{}, false, nil
		}
		return Proposal{}, false, xerrors.New(xerrors.PersistentIo, "admin.GetProposal", err)
	}
	p.Type = ProposalType(proposalType)
	p.Status = ProposalStatus(status)
	p.CreatedAt = time.Unix(createdAt, 0)

	members, err := s.db.Query(`SELECT node_id FROM circuit_members WHERE circuit_id = ?`, circuitID)
	if err != nil {
		return Proposal{}, false, xerrors.New(xerrors.PersistentIo, "admin.GetProposal", err)
	}
	defer members.Close()
	for members.Next() {
		var nodeID string
		if err := members.Scan(&nodeID); err != nil {
			return Proposal{}, false, xerrors.New(xerrors.PersistentIo, "admin.GetProposal", err)
		}
		p.Members = append(p.Members, Member{NodeID: nodeID})
	}

	services, err := s.db.Query(
		`SELECT service_id, node_id, allowed_nodes, arguments FROM circuit_services WHERE circuit_id = ?`, circuitID)
	if err != nil {
		return Proposal{}, false, xerrors.New(xerrors.PersistentIo, "admin.GetProposal", err)
	}
	defer services.Close()
	for services.Next() {
		var svc ServiceSpec
		var allowed, args string
		if err := services.Scan(&svc.ServiceID, &svc.NodeID, &allowed, &args); err != nil {
			return Proposal{}, false, xerrors.New(xerrors.PersistentIo, "admin.GetProposal", err)
		}
		svc.AllowedNodes = decodeStringList(allowed)
		svc.Arguments = decodeStringMap(args)
		p.Services = append(p.Services, svc)
	}

	votes, err := s.db.Query(
		`SELECT voter_node_id, approve, comment, voted_at FROM votes WHERE circuit_id = ?`, circuitID)
	if err != nil {
		return Proposal{}, false, xerrors.New(xerrors.PersistentIo, "admin.GetProposal", err)
	}
	defer votes.Close()
	p.Votes = make(map[string]bool)
	p.VoteComments = make(map[string]string)
	p.VoteTimestamps = make(map[string]time.Time)
	for votes.Next() {
		var voter, comment string
		var approveInt int
		var votedAt int64
		if err := votes.Scan(&voter, &approveInt, &comment, &votedAt); err != nil {
			return Proposal{}, false, xerrors.New(xerrors.PersistentIo, "admin.GetProposal", err)
		}
		p.Votes[voter] = approveInt == 1
		if comment != "" {
			p.VoteComments[voter] = comment
		}
		p.VoteTimestamps[voter] = time.Unix(votedAt, 0)
	}

	return p, true, nil
}
