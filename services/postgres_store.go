package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/protocol"
	_ "github.com/lib/pq"
)

// ErrNoRoundResult is returned when no result has been persisted for the
// requested round.
var ErrNoRoundResult = errors.New("no result stored for round")

// RegistryStore persists signed service registrations.
type RegistryStore interface {
	SaveService(ctx context.Context, signed *protocol.Signed[RegisteredService]) error
	DeleteService(ctx context.Context, publicKey string) error
	LoadAllServices(ctx context.Context) (map[ServiceType]map[string]*protocol.Signed[RegisteredService], error)
}

// ResultStore persists finalized round results so training history survives
// coordinator restarts.
type ResultStore interface {
	SaveRoundResult(ctx context.Context, signed *protocol.Signed[protocol.RoundResult]) error
	LoadRoundResult(ctx context.Context, roundNumber int) (*protocol.Signed[protocol.RoundResult], error)
	LatestRoundResult(ctx context.Context) (*protocol.Signed[protocol.RoundResult], error)
}

// PostgresStore implements RegistryStore and ResultStore with PostgreSQL
// persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registered_services (
		public_key VARCHAR(128) PRIMARY KEY,
		service_type VARCHAR(32) NOT NULL,
		http_endpoint VARCHAR(512) NOT NULL,
		exchange_key VARCHAR(256) NOT NULL,
		attestation BYTEA,
		signature BYTEA NOT NULL,
		signer_public_key VARCHAR(128) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_services_type ON registered_services(service_type);
	CREATE INDEX IF NOT EXISTS idx_services_created ON registered_services(created_at);

	CREATE TABLE IF NOT EXISTS round_results (
		round_number BIGINT PRIMARY KEY,
		round_id VARCHAR(36) NOT NULL,
		total_samples BIGINT NOT NULL,
		num_participants INT NOT NULL,
		num_dropped INT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_results_created ON round_results(created_at);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveService persists a signed service registration.
func (s *PostgresStore) SaveService(ctx context.Context, signed *protocol.Signed[RegisteredService]) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	svc := signed.Object

	query := `
	INSERT INTO registered_services
		(public_key, service_type, http_endpoint, exchange_key, attestation, signature, signer_public_key, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	ON CONFLICT (public_key) DO UPDATE SET
		service_type = EXCLUDED.service_type,
		http_endpoint = EXCLUDED.http_endpoint,
		exchange_key = EXCLUDED.exchange_key,
		attestation = EXCLUDED.attestation,
		signature = EXCLUDED.signature,
		signer_public_key = EXCLUDED.signer_public_key,
		updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		svc.PublicKey,
		string(svc.ServiceType),
		svc.HTTPEndpoint,
		svc.ExchangeKey,
		svc.Attestation,
		signed.Signature.Bytes(),
		signed.PublicKey.String(),
	)
	return err
}

// DeleteService removes a service registration.
func (s *PostgresStore) DeleteService(ctx context.Context, publicKey string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM registered_services WHERE public_key = $1", publicKey)
	return err
}

// LoadAllServices retrieves all persisted service registrations.
func (s *PostgresStore) LoadAllServices(ctx context.Context) (map[ServiceType]map[string]*protocol.Signed[RegisteredService], error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT public_key, service_type, http_endpoint, exchange_key, attestation, signature, signer_public_key
		FROM registered_services
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := emptyServiceMap()

	for rows.Next() {
		var (
			publicKey    string
			serviceType  string
			httpEndpoint string
			exchangeKey  string
			attestation  []byte
			signature    []byte
			signerPubKey string
		)

		if err := rows.Scan(&publicKey, &serviceType, &httpEndpoint, &exchangeKey, &attestation, &signature, &signerPubKey); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		svcType := ServiceType(serviceType)
		if !svcType.Valid() {
			continue
		}

		signerKey, err := crypto.NewPublicKeyFromString(signerPubKey)
		if err != nil {
			continue
		}

		signed := &protocol.Signed[RegisteredService]{
			PublicKey: signerKey,
			Signature: crypto.NewSignature(signature),
			Object: &RegisteredService{
				ServiceType:  svcType,
				HTTPEndpoint: httpEndpoint,
				PublicKey:    publicKey,
				ExchangeKey:  exchangeKey,
				Attestation:  attestation,
			},
		}

		result[svcType][publicKey] = signed
	}

	return result, rows.Err()
}

// SaveRoundResult persists a finalized round. The whole signed envelope goes
// into the payload column so a restart can serve historical results with
// their original signatures intact.
func (s *PostgresStore) SaveRoundResult(ctx context.Context, signed *protocol.Signed[protocol.RoundResult]) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	payload, err := json.Marshal(signed)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	result := signed.Object
	query := `
	INSERT INTO round_results
		(round_number, round_id, total_samples, num_participants, num_dropped, payload)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (round_number) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		result.RoundNumber,
		result.RoundID.String(),
		result.TotalSamples,
		len(result.Participants),
		len(result.Dropped),
		payload,
	)
	return err
}

// LoadRoundResult retrieves the persisted result for a round.
func (s *PostgresStore) LoadRoundResult(ctx context.Context, roundNumber int) (*protocol.Signed[protocol.RoundResult], error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM round_results WHERE round_number = $1", roundNumber,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRoundResult
	}
	if err != nil {
		return nil, err
	}

	return decodeStoredResult(payload)
}

// LatestRoundResult retrieves the most recently finalized round.
func (s *PostgresStore) LatestRoundResult(ctx context.Context) (*protocol.Signed[protocol.RoundResult], error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM round_results ORDER BY round_number DESC LIMIT 1",
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRoundResult
	}
	if err != nil {
		return nil, err
	}

	return decodeStoredResult(payload)
}

func decodeStoredResult(payload []byte) (*protocol.Signed[protocol.RoundResult], error) {
	var signed protocol.Signed[protocol.RoundResult]
	if err := json.Unmarshal(payload, &signed); err != nil {
		return nil, fmt.Errorf("decoding stored result: %w", err)
	}
	return &signed, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func emptyServiceMap() map[ServiceType]map[string]*protocol.Signed[RegisteredService] {
	return map[ServiceType]map[string]*protocol.Signed[RegisteredService]{
		CoordinatorService: make(map[string]*protocol.Signed[RegisteredService]),
		AggregatorService:  make(map[string]*protocol.Signed[RegisteredService]),
		ClientService:      make(map[string]*protocol.Signed[RegisteredService]),
	}
}

// InMemoryStore implements RegistryStore and ResultStore without a database.
type InMemoryStore struct {
	mu       sync.Mutex
	services map[string]*protocol.Signed[RegisteredService]
	results  map[int]*protocol.Signed[protocol.RoundResult]
	latest   int
}

// NewInMemoryStore creates an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		services: make(map[string]*protocol.Signed[RegisteredService]),
		results:  make(map[int]*protocol.Signed[protocol.RoundResult]),
	}
}

// SaveService stores a service in memory.
func (s *InMemoryStore) SaveService(ctx context.Context, signed *protocol.Signed[RegisteredService]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[signed.Object.PublicKey] = signed
	return nil
}

// DeleteService removes a service from memory.
func (s *InMemoryStore) DeleteService(ctx context.Context, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, publicKey)
	return nil
}

// LoadAllServices returns all stored services.
func (s *InMemoryStore) LoadAllServices(ctx context.Context) (map[ServiceType]map[string]*protocol.Signed[RegisteredService], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := emptyServiceMap()
	for pk, signed := range s.services {
		svcType := signed.Object.ServiceType
		result[svcType][pk] = signed
	}

	return result, nil
}

// SaveRoundResult stores a finalized round in memory.
func (s *InMemoryStore) SaveRoundResult(ctx context.Context, signed *protocol.Signed[protocol.RoundResult]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	round := signed.Object.RoundNumber
	if _, exists := s.results[round]; exists {
		return nil
	}
	s.results[round] = signed
	if round > s.latest {
		s.latest = round
	}
	return nil
}

// LoadRoundResult returns the stored result for a round.
func (s *InMemoryStore) LoadRoundResult(ctx context.Context, roundNumber int) (*protocol.Signed[protocol.RoundResult], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signed, ok := s.results[roundNumber]
	if !ok {
		return nil, ErrNoRoundResult
	}
	return signed, nil
}

// LatestRoundResult returns the most recently finalized round.
func (s *InMemoryStore) LatestRoundResult(ctx context.Context) (*protocol.Signed[protocol.RoundResult], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signed, ok := s.results[s.latest]
	if !ok {
		return nil, ErrNoRoundResult
	}
	return signed, nil
}
