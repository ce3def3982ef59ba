package shadow

import (
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/gartenio/core/csql"
)

// Shadow is the stored state of a single device.
type Shadow struct {
	Desired    json.RawMessage `json:"desired"`
	Reported   json.RawMessage `json:"reported"`
	DesiredAt  time.Time       `json:"desiredAt"`
	ReportedAt time.Time       `json:"reportedAt"`
}

// Store persists device shadows.
type Store interface {
	// Get returns the shadow of a device. A device without a shadow
	// yields false.
	Get(tenantID, deviceID string) (Shadow, bool, error)
	// SetDesired replaces the desired state.
	SetDesired(tenantID, deviceID string, desired json.RawMessage) error
	// SetReported replaces the reported state.
	SetReported(tenantID, deviceID string, reported json.RawMessage) error
}

// SQLStore keeps shadows in the "_shadow_" system table.
type SQLStore struct {
	db *csql.DB
}

// NewSQLStore creates the shadow table if necessary and returns the
// store.
func NewSQLStore(db *csql.DB) *SQLStore {
	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_shadow_"
(tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
desired json NOT NULL,
reported json NOT NULL,
desired_at timestamp NOT NULL,
reported_at timestamp NOT NULL,
PRIMARY KEY(tenant_id, device_id)
);`)
	if err != nil {
		panic(err)
	}
	return &SQLStore{db: db}
}

// Get implements Store.
func (s *SQLStore) Get(tenantID, deviceID string) (Shadow, bool, error) {
	var shadow Shadow
	err := s.db.QueryRow(
		`SELECT desired,reported,desired_at,reported_at FROM `+s.db.Schema+`."_shadow_"
WHERE tenant_id=$1 AND device_id=$2;`,
		tenantID, deviceID).Scan(&shadow.Desired, &shadow.Reported, &shadow.DesiredAt, &shadow.ReportedAt)
	if err == csql.ErrNoRows {
		return Shadow{}, false, nil
	}
	if err != nil {
		return Shadow{}, false, err
	}
	return shadow, true, nil
}

// SetDesired implements Store.
func (s *SQLStore) SetDesired(tenantID, deviceID string, desired json.RawMessage) error {
	now := time.Now().UTC()
	never := time.Time{}
	_, err := s.db.Exec(
		`INSERT INTO `+s.db.Schema+`."_shadow_"(tenant_id,device_id,desired,reported,desired_at,reported_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (tenant_id, device_id) DO UPDATE SET desired=$3,desired_at=$5;`,
		tenantID, deviceID, string(desired), "{}", now, never)
	return err
}

// SetReported implements Store.
func (s *SQLStore) SetReported(tenantID, deviceID string, reported json.RawMessage) error {
	now := time.Now().UTC()
	never := time.Time{}
	_, err := s.db.Exec(
		`INSERT INTO `+s.db.Schema+`."_shadow_"(tenant_id,device_id,desired,reported,desired_at,reported_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (tenant_id, device_id) DO UPDATE SET reported=$4,reported_at=$6;`,
		tenantID, deviceID, "{}", string(reported), never, now)
	return err
}

// MemoryStore is an in-memory Store for tests and the development
// setup.
type MemoryStore struct {
	mu      sync.RWMutex
	shadows map[string]Shadow
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shadows: make(map[string]Shadow)}
}

func key(tenantID, deviceID string) string { return tenantID + "/" + deviceID }

// Get implements Store.
func (s *MemoryStore) Get(tenantID, deviceID string) (Shadow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shadow, ok := s.shadows[key(tenantID, deviceID)]
	return shadow, ok, nil
}

// SetDesired implements Store.
func (s *MemoryStore) SetDesired(tenantID, deviceID string, desired json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	shadow := s.shadows[key(tenantID, deviceID)]
	shadow.Desired = append(json.RawMessage(nil), desired...)
	shadow.DesiredAt = time.Now().UTC()
	s.shadows[key(tenantID, deviceID)] = shadow
	return nil
}

// SetReported implements Store.
func (s *MemoryStore) SetReported(tenantID, deviceID string, reported json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	shadow := s.shadows[key(tenantID, deviceID)]
	shadow.Reported = append(json.RawMessage(nil), reported...)
	shadow.ReportedAt = time.Now().UTC()
	s.shadows[key(tenantID, deviceID)] = shadow
	return nil
}
