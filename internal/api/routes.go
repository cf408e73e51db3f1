package api

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/attestia/internal/db"
	"github.com/rawblock/attestia/internal/merkle"
	"github.com/rawblock/attestia/internal/reconcile"
	"github.com/rawblock/attestia/internal/verifier"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// Config wires the node surface. DB may be nil; history then lives in memory
// only and the health route reports dbConnected:false.
type Config struct {
	DB            *db.PostgresStore
	Hub           *Hub
	VerifierID    string
	VerifierLabel string
	AttestedBy    string
	MinVerifiers  int
	RatePerMin    int
	Burst         int
}

// APIHandler owns the node's attestation history and verifier identity. The
// in-memory lists are authoritative for consensus; the database mirrors them
// for durable querying.
type APIHandler struct {
	dbStore *db.PostgresStore
	wsHub   *Hub
	node    *verifier.Node

	attestedBy   string
	minVerifiers int

	mu           sync.Mutex
	attestations []models.Attestation
	attByID      map[string]models.Attestation
	leafIndex    map[string]int
	tree         *merkle.Tree
	reports      []models.VerifierReport
	reportIDs    map[string]bool
}

func SetupRouter(cfg Config) *gin.Engine {
	r := gin.Default()

	// CORS, configurable via ALLOWED_ORIGINS.
	// Production: ALLOWED_ORIGINS=https://attest.example.com
	// Development: leave empty for *.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Idempotency-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	if cfg.VerifierID == "" {
		cfg.VerifierID = "attestia-node"
	}
	if cfg.MinVerifiers < 1 {
		cfg.MinVerifiers = 1
	}
	handler := &APIHandler{
		dbStore:      cfg.DB,
		wsHub:        cfg.Hub,
		node:         verifier.NewNode(cfg.VerifierID, cfg.VerifierLabel),
		attestedBy:   cfg.AttestedBy,
		minVerifiers: cfg.MinVerifiers,
		attByID:      make(map[string]models.Attestation),
		leafIndex:    make(map[string]int),
		reportIDs:    make(map[string]bool),
	}

	if cfg.RatePerMin > 0 {
		r.Use(NewRateLimiter(cfg.RatePerMin, cfg.Burst).Middleware())
	}
	r.Use(newIdempotencyCache().Middleware())

	api := r.Group("/api/v1")
	{
		api.GET("/health", handler.handleHealth)
		api.POST("/verify/bundle", handler.handleVerifyBundle)
		api.POST("/verify/proof", handler.handleVerifyProof)
		api.POST("/reports", handler.handleSubmitReport)
		api.GET("/reports", handler.handleListReports)
		api.GET("/reports/consensus/:bundleHash", handler.handleConsensus)
		if cfg.Hub != nil {
			api.GET("/stream", cfg.Hub.Subscribe)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware())
		{
			protected.POST("/attestations/run", handler.handleRunAttestation)
			protected.GET("/attestations", handler.handleListAttestations)
			protected.GET("/proofs/root", handler.handleProofRoot)
			protected.GET("/proofs/attestation/:id", handler.handleProofForAttestation)
		}
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	h.mu.Lock()
	attCount := len(h.attestations)
	reportCount := len(h.reports)
	root := ""
	if h.tree != nil {
		root = h.tree.Root()
	}
	h.mu.Unlock()

	respondData(c, http.StatusOK, gin.H{
		"status":           "operational",
		"verifierId":       h.node.ID(),
		"attestationCount": attCount,
		"reportCount":      reportCount,
		"merkleRoot":       root,
		"dbConnected":      h.dbStore != nil,
	})
}

// handleVerifyBundle replays a submitted state bundle and returns the
// verdict. Public: external parties verify without credentials.
func (h *APIHandler) handleVerifyBundle(c *gin.Context) {
	var bundle models.StateBundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		respondError(c, errs.Wrap(errs.InvalidInput, err, "invalid bundle body"))
		return
	}
	strict := c.Query("strict") == "true"

	report, err := h.node.Verify(bundle, strict)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.dbStore != nil {
		if err := h.dbStore.SaveVerifierReport(c.Request.Context(), report); err != nil {
			log.Printf("api: persist verifier report %s failed: %v", report.ReportID, err)
		}
	}
	respondData(c, http.StatusOK, report)
}

// handleVerifyProof checks a self-contained merkle proof package.
func (h *APIHandler) handleVerifyProof(c *gin.Context) {
	var pkg merkle.ProofPackage
	if err := c.ShouldBindJSON(&pkg); err != nil {
		respondError(c, errs.Wrap(errs.InvalidInput, err, "invalid proof package body"))
		return
	}
	respondData(c, http.StatusOK, merkle.VerifyPackage(pkg))
}

// handleSubmitReport accepts an external verifier's report for consensus.
func (h *APIHandler) handleSubmitReport(c *gin.Context) {
	var report models.VerifierReport
	if err := c.ShouldBindJSON(&report); err != nil {
		respondError(c, errs.Wrap(errs.InvalidInput, err, "invalid verifier report body"))
		return
	}
	if report.ReportID == "" || report.VerifierID == "" || report.BundleHash == "" {
		respondError(c, errs.E(errs.InvalidInput, "reportId, verifierId and bundleHash are required"))
		return
	}
	if report.Verdict != models.VerdictPass && report.Verdict != models.VerdictFail {
		respondError(c, errs.E(errs.InvalidInput, "verdict must be PASS or FAIL, got %q", report.Verdict))
		return
	}

	h.mu.Lock()
	if h.reportIDs[report.ReportID] {
		h.mu.Unlock()
		respondError(c, errs.E(errs.Conflict, "report %s already submitted", report.ReportID))
		return
	}
	h.reportIDs[report.ReportID] = true
	h.reports = append(h.reports, report)
	h.mu.Unlock()

	if h.dbStore != nil {
		if err := h.dbStore.SaveVerifierReport(c.Request.Context(), report); err != nil {
			log.Printf("api: persist verifier report %s failed: %v", report.ReportID, err)
		}
	}
	if h.wsHub != nil {
		h.wsHub.BroadcastEvent("verifier_report", report)
	}
	respondData(c, http.StatusCreated, report)
}

// handleListReports pages submitted verifier reports, optionally filtered by
// bundle hash.
func (h *APIHandler) handleListReports(c *gin.Context) {
	page, limit := pageParams(c)
	bundleHash := c.Query("bundleHash")

	h.mu.Lock()
	filtered := make([]models.VerifierReport, 0, len(h.reports))
	for _, r := range h.reports {
		if bundleHash == "" || r.BundleHash == bundleHash {
			filtered = append(filtered, r)
		}
	}
	h.mu.Unlock()

	pageData, pg := paginate(len(filtered), page, limit)
	respondPage(c, filtered[pageData[0]:pageData[1]], pg)
}

// handleConsensus aggregates the verdicts filed against one bundle.
func (h *APIHandler) handleConsensus(c *gin.Context) {
	bundleHash := c.Param("bundleHash")
	minVerifiers := h.minVerifiers
	if v, err := strconv.Atoi(c.DefaultQuery("minVerifiers", "")); err == nil && v > 0 {
		minVerifiers = v
	}

	h.mu.Lock()
	var matching []models.VerifierReport
	for _, r := range h.reports {
		if r.BundleHash == bundleHash {
			matching = append(matching, r)
		}
	}
	h.mu.Unlock()

	result, err := verifier.Consensus(matching, minVerifiers)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, result)
}

// handleRunAttestation reconciles submitted inputs and commits the resulting
// attestation into the node's merkle history.
func (h *APIHandler) handleRunAttestation(c *gin.Context) {
	var req struct {
		Intents       []models.Intent        `json:"intents"`
		LedgerEntries []models.LedgerEntry   `json:"ledgerEntries"`
		ChainEvents   []models.TransferEvent `json:"chainEvents"`
		AttestedBy    string                 `json:"attestedBy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errs.Wrap(errs.InvalidInput, err, "invalid reconciliation body"))
		return
	}
	attestedBy := req.AttestedBy
	if attestedBy == "" {
		attestedBy = h.attestedBy
	}

	result, err := reconcile.Run(reconcile.Inputs{
		Intents:       req.Intents,
		LedgerEntries: req.LedgerEntries,
		ChainEvents:   req.ChainEvents,
	}, reconcile.Options{AttestedBy: attestedBy})
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.commitAttestation(result.Attestation); err != nil {
		respondError(c, err)
		return
	}
	if h.dbStore != nil {
		if err := h.dbStore.SaveReconciliation(c.Request.Context(), result.Report, result.Attestation); err != nil {
			log.Printf("api: persist reconciliation %s failed: %v", result.Report.ReportID, err)
		}
	}
	if h.wsHub != nil {
		h.wsHub.BroadcastEvent("attestation", result.Attestation)
	}
	respondData(c, http.StatusCreated, result)
}

// commitAttestation appends the attestation and rebuilds the merkle tree over
// every attestation hash committed so far.
func (h *APIHandler) commitAttestation(att models.Attestation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.attByID[att.ID]; exists {
		return errs.E(errs.Conflict, "attestation %s already committed", att.ID)
	}
	h.attestations = append(h.attestations, att)
	h.attByID[att.ID] = att
	h.leafIndex[att.ID] = len(h.attestations) - 1

	leaves := make([]string, 0, len(h.attestations))
	for _, a := range h.attestations {
		leafHash, err := merkle.HashAttestation(a)
		if err != nil {
			return err
		}
		leaves = append(leaves, leafHash)
	}
	h.tree = merkle.Build(leaves)
	return nil
}

func (h *APIHandler) handleListAttestations(c *gin.Context) {
	page, limit := pageParams(c)

	if h.dbStore != nil {
		atts, total, err := h.dbStore.ListAttestations(c.Request.Context(), page, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		respondPage(c, atts, Pagination{
			Total: total, Limit: limit, Page: page,
			HasMore: page*limit < total,
		})
		return
	}

	h.mu.Lock()
	all := make([]models.Attestation, len(h.attestations))
	copy(all, h.attestations)
	h.mu.Unlock()

	bounds, pg := paginate(len(all), page, limit)
	respondPage(c, all[bounds[0]:bounds[1]], pg)
}

// handleProofRoot returns the current merkle root over committed
// attestations.
func (h *APIHandler) handleProofRoot(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tree == nil {
		respondData(c, http.StatusOK, gin.H{"merkleRoot": "", "leafCount": 0})
		return
	}
	respondData(c, http.StatusOK, gin.H{
		"merkleRoot": h.tree.Root(),
		"leafCount":  h.tree.LeafCount(),
	})
}

// handleProofForAttestation packages an inclusion proof for one attestation.
func (h *APIHandler) handleProofForAttestation(c *gin.Context) {
	id := c.Param("id")

	h.mu.Lock()
	att, ok := h.attByID[id]
	index := h.leafIndex[id]
	tree := h.tree
	h.mu.Unlock()

	if !ok || tree == nil {
		respondError(c, errs.E(errs.NotFound, "attestation %s not found", id))
		return
	}
	proof, err := tree.Prove(index)
	if err != nil {
		respondError(c, err)
		return
	}
	pkg, err := merkle.Package(att, proof)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, pkg)
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return page, limit
}

// paginate clamps a page window onto a slice of length total.
func paginate(total, page, limit int) ([2]int, Pagination) {
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return [2]int{start, end}, Pagination{
		Total:   total,
		Limit:   limit,
		Page:    page,
		HasMore: end < total,
	}
}
