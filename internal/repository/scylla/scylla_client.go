package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// PreparedStatements holds prepared statements that are actually used by the repositories
type PreparedStatements struct {
	CreateRequest   *gocql.Query
	GetRequest      *gocql.Query
	MarkVerified    *gocql.Query
	MarkExpired     *gocql.Query
	MarkFailed      *gocql.Query
	SetAttemptCount *gocql.Query

	CreateAttempt  *gocql.Query
	MarkSuccessful *gocql.Query
	AttemptsForReq *gocql.Query
	DeleteAttempts *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateRequest = s.Session.Query(`
        INSERT INTO otp_requests (
            recipient_bucket, recipient, request_id, purpose, status,
            created_at, expires_at, verified_at, attempt_count,
            ip, user_agent, external_ref
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetRequest = s.Session.Query(`
        SELECT recipient_bucket, recipient, request_id, purpose, status,
            created_at, expires_at, verified_at, attempt_count,
            ip, user_agent, external_ref
        FROM otp_requests WHERE recipient_bucket = ? AND recipient = ? AND request_id = ?`)

	// Conditional updates keep status transitions monotonic: rows already in
	// a terminal state are left untouched and the CAS reports not-applied.
	prepared.MarkVerified = s.Session.Query(`
        UPDATE otp_requests SET status = 'VERIFIED', verified_at = ?
        WHERE recipient_bucket = ? AND recipient = ? AND request_id = ?
        IF status = 'SENT'`)

	prepared.MarkExpired = s.Session.Query(`
        UPDATE otp_requests SET status = 'EXPIRED'
        WHERE recipient_bucket = ? AND recipient = ? AND request_id = ?
        IF status = 'SENT'`)

	prepared.MarkFailed = s.Session.Query(`
        UPDATE otp_requests SET status = 'FAILED'
        WHERE recipient_bucket = ? AND recipient = ? AND request_id = ?
        IF status = 'SENT'`)

	prepared.SetAttemptCount = s.Session.Query(`
        UPDATE otp_requests SET attempt_count = ?
        WHERE recipient_bucket = ? AND recipient = ? AND request_id = ?
        IF status = 'SENT'`)

	prepared.CreateAttempt = s.Session.Query(`
        INSERT INTO otp_attempts (
            request_id, attempt_id, is_successful, attempted_at, ip, user_agent
        ) VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.MarkSuccessful = s.Session.Query(`
        UPDATE otp_attempts SET is_successful = true
        WHERE request_id = ? AND attempt_id = ?`)

	prepared.AttemptsForReq = s.Session.Query(`
        SELECT request_id, attempt_id, is_successful, attempted_at, ip, user_agent
        FROM otp_attempts WHERE request_id = ?`)

	prepared.DeleteAttempts = s.Session.Query(`
        DELETE FROM otp_attempts WHERE request_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("Selected ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
