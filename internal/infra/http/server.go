package http

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"custodia/internal/config"
	"custodia/internal/domain"
	"custodia/internal/infra/cachemem"
	"custodia/internal/infra/db"
	"custodia/internal/infra/policyopa"
	"custodia/internal/infra/ratelimit"
	"custodia/internal/infra/signer"
	"custodia/internal/infra/storage"
	"custodia/internal/usecase"

	"github.com/gin-gonic/gin"
)

type Server struct {
	cfg   config.Config
	store *db.Store
	r     *gin.Engine

	ledger        *usecase.LedgerService
	interventions *usecase.InterventionService
	snapshots     *usecase.SnapshotService
	signing       *usecase.SigningService
	exports       *usecase.ExportService
	custody       *usecase.CustodyService

	tenants     usecase.TenantRepository
	tenantCache *cachemem.TenantCache

	adminAPIKey string
	initErr     error

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

func NewServer(cfg config.Config, store *db.Store) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{cfg: cfg, store: store, r: r}
	s.initDeps()
	s.routes()
	return s
}

// ServerDeps lets tests inject service stubs without a database.
type ServerDeps struct {
	Ledger        *usecase.LedgerService
	Interventions *usecase.InterventionService
	Snapshots     *usecase.SnapshotService
	Signing       *usecase.SigningService
	Exports       *usecase.ExportService
	Custody       *usecase.CustodyService
	Tenants       usecase.TenantRepository
	AdminAPIKey   string
	RateLimiter   domain.RateLimiter
}

func NewServerWithDeps(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:           cfg,
		r:             r,
		ledger:        deps.Ledger,
		interventions: deps.Interventions,
		snapshots:     deps.Snapshots,
		signing:       deps.Signing,
		exports:       deps.Exports,
		custody:       deps.Custody,
		tenants:       deps.Tenants,
		adminAPIKey:   deps.AdminAPIKey,
	}
	s.initRateLimit(deps.RateLimiter)
	s.routes()
	return s
}

func (s *Server) initDeps() {
	s.adminAPIKey = s.cfg.AdminAPIKey

	var (
		tenantRepo       *db.TenantRepository
		recordRepo       *db.DecisionRecordRepository
		snapshotRepo     *db.SnapshotRepository
		interventionRepo *db.InterventionRepository
		bundleRepo       *db.BundleRepository
		signatureRepo    *db.SignatureRepository
		auditRepo        *db.AuditRepository
		idemRepo         *db.IdempotencyRepository
	)
	if s.store != nil && s.store.DB != nil {
		tenantRepo = db.NewTenantRepository(s.store.DB)
		recordRepo = db.NewDecisionRecordRepository(s.store.DB)
		snapshotRepo = db.NewSnapshotRepository(s.store.DB)
		interventionRepo = db.NewInterventionRepository(s.store.DB)
		bundleRepo = db.NewBundleRepository(s.store.DB)
		signatureRepo = db.NewSignatureRepository(s.store.DB)
		auditRepo = db.NewAuditRepository(s.store.DB)
		idemRepo = db.NewIdempotencyRepository(s.store.DB)
	}
	if tenantRepo == nil {
		s.initErr = errNoDatabase
		return
	}
	s.tenants = tenantRepo
	s.tenantCache = cachemem.New(0)

	blobs, err := buildBlobStore(s.cfg)
	if err != nil {
		s.initErr = err
		return
	}
	signingBackend, err := buildSigner(s.cfg)
	if err != nil {
		s.initErr = err
		return
	}

	audit := usecase.NewAuditLogger(auditRepo, nil)

	s.initRateLimit(nil)

	policy := buildPolicyEngine(s.cfg)

	s.snapshots = &usecase.SnapshotService{
		Snapshots: snapshotRepo,
		Blobs:     blobs,
		Audit:     audit,
		MaxBytes:  s.cfg.SnapshotMaxBytes,
	}
	s.ledger = &usecase.LedgerService{
		Records:       recordRepo,
		Snapshots:     snapshotRepo,
		Idempotency:   idemRepo,
		Audit:         audit,
		StorePayloads: s.cfg.StorePayloads,
	}
	s.interventions = &usecase.InterventionService{
		Records:       recordRepo,
		Interventions: interventionRepo,
		Audit:         audit,
		Policy:        policy,
		PolicyClosed:  s.cfg.PolicyFailClosed,
	}
	s.signing = &usecase.SigningService{
		Signatures: signatureRepo,
		Audit:      audit,
		Signer:     signingBackend,
		Limiter:    s.rateLimiter,
		RateLimit:  s.cfg.SignRateLimit,
		RateWindow: s.cfg.SignRateWindow(),
	}
	s.exports = &usecase.ExportService{
		Bundles:       bundleRepo,
		Records:       recordRepo,
		Interventions: interventionRepo,
		Snapshots:     s.snapshots,
		Signing:       s.signing,
		Audit:         audit,
		Blobs:         blobs,
		Expiry:        s.cfg.BundleExpiry(),
		SignedURLTTL:  s.cfg.SignedURLTTL(),
	}
	s.custody = &usecase.CustodyService{
		Bundles: bundleRepo,
		Audit:   audit,
		Blobs:   blobs,
	}
}

func buildBlobStore(cfg config.Config) (storage.BlobStore, error) {
	if cfg.StorageBackend == "s3" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.AWSRegion,
			Endpoint:        cfg.S3Endpoint,
			PathStyle:       cfg.S3PathStyle,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			SessionToken:    cfg.AWSSessionToken,
		})
	}
	return storage.NewFileStore(cfg.StorageDir)
}

func buildSigner(cfg config.Config) (domain.Signer, error) {
	if cfg.SignerBackend == "awssm" {
		return signer.NewAWSSecretsFromConfig(cfg)
	}
	return signer.NewLocalFromConfig(cfg)
}

// buildPolicyEngine loads the optional authorization bundle. A missing or
// broken bundle disables policy checks; PolicyFailClosed then decides how
// evaluation errors are treated at request time, not load time.
func buildPolicyEngine(cfg config.Config) usecase.PolicyEngine {
	if cfg.PolicyBundlePath == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	engine, err := policyopa.NewEngineFromBundlePath(ctx, cfg.PolicyBundlePath, filepath.Base(cfg.PolicyBundlePath))
	if err != nil {
		return nil
	}
	return engine
}

func (s *Server) initRateLimit(override domain.RateLimiter) {
	if override != nil {
		s.rateLimiter = override
	}
	if s.rateLimiter == nil && s.cfg.RateLimitRequests > 0 {
		if s.cfg.RedisAddr != "" {
			if limiter, err := ratelimit.NewRedisLimiter(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB, nil); err == nil {
				s.rateLimiter = limiter
			}
		}
		if s.rateLimiter == nil {
			s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
				MaxKeys: s.cfg.RateLimitMaxKeys,
			})
		}
	}
	s.rateLimitRequests = s.cfg.RateLimitRequests
	if s.cfg.RateLimitWindowSeconds > 0 {
		s.rateLimitWindow = time.Duration(s.cfg.RateLimitWindowSeconds) * time.Second
	}
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		dbMode := "no-db"
		if s.store != nil && s.store.DB != nil {
			dbMode = "db"
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": dbMode})
	})

	v1 := s.r.Group("/v1")
	{
		v1.POST("/records", s.handleCreateRecord)
		v1.GET("/records", s.handleListRecords)
		v1.GET("/records/:transaction_id", s.handleGetRecord)
		v1.POST("/records/:transaction_id/intervene", s.handleIntervene)
		v1.GET("/records/:transaction_id/interventions", s.handleListInterventions)

		v1.GET("/verify", s.handleVerifyChain)
		v1.GET("/verify/:transaction_id", s.handleVerifyRecord)

		v1.POST("/snapshots", s.handleCreateSnapshot)
		v1.GET("/snapshots/:snapshot_id", s.handleGetSnapshot)
		v1.GET("/snapshots/:snapshot_id/verify", s.handleVerifySnapshot)

		v1.POST("/sign", s.handleSign)
		v1.POST("/verify-signature", s.handleVerifySignature)
		v1.GET("/public-key", s.handlePublicKey)
		v1.GET("/signatures/:resource_id", s.handleListSignatures)

		v1.POST("/bundles", s.handleCreateBundle)
		v1.GET("/bundles", s.handleListBundles)
		v1.GET("/bundles/:bundle_id", s.handleGetBundle)
		v1.GET("/bundles/:bundle_id/download", s.handleDownloadBundle)
		v1.GET("/bundles/:bundle_id/custody", s.handleCustodyReport)

		v1.POST("/tenants", s.handleAdminCreateTenant)
		v1.GET("/admin/signing-stats", s.handleAdminSigningStats)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) Run() error {
	if s.initErr != nil {
		return s.initErr
	}
	return s.r.Run(s.cfg.HTTPAddr)
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.r
}
