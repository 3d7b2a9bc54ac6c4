package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"scantrack/internal/allocator"
	"scantrack/internal/scanpath"
	"scantrack/internal/store"
	"scantrack/internal/template"
)

// instrumentResponse is the wire form of a stored configuration.
type instrumentResponse struct {
	Name              string `json:"name"`
	ScanNumber        int64  `json:"scan_number"`
	DirectoryTemplate string `json:"directory_template,omitempty"`
	ScanTemplate      string `json:"scan_template,omitempty"`
	DetectorTemplate  string `json:"detector_template,omitempty"`
	TrackerExtension  string `json:"tracker_extension,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func toInstrumentResponse(c *store.Configuration) instrumentResponse {
	return instrumentResponse{
		Name:              c.Name,
		ScanNumber:        c.ScanNumber,
		DirectoryTemplate: c.DirectoryTemplate,
		ScanTemplate:      c.ScanTemplate,
		DetectorTemplate:  c.DetectorTemplate,
		TrackerExtension:  c.TrackerExtension,
		CreatedAt:         c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:         c.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

type configureRequest struct {
	ScanNumber        *int64  `json:"scan_number"`
	DirectoryTemplate *string `json:"directory_template"`
	ScanTemplate      *string `json:"scan_template"`
	DetectorTemplate  *string `json:"detector_template"`
	TrackerExtension  *string `json:"tracker_extension"`
}

type allocationResponse struct {
	Instrument   string `json:"instrument"`
	ScanNumber   int64  `json:"scan_number"`
	StoredBefore int64  `json:"stored_before"`
	LegacyBefore int64  `json:"legacy_before"`
	TrackerUsed  bool   `json:"tracker_used"`
	Healed       bool   `json:"healed"`
	TrackerOK    bool   `json:"tracker_ok"`
	TrackerError string `json:"tracker_error,omitempty"`

	// Filled when the request body carries a visit.
	VisitDirectory string            `json:"visit_directory,omitempty"`
	ScanFile       string            `json:"scan_file,omitempty"`
	DetectorFiles  map[string]string `json:"detector_files,omitempty"`
	RenderError    string            `json:"render_error,omitempty"`
}

type numbersResponse struct {
	Instrument  string `json:"instrument"`
	Stored      int64  `json:"stored"`
	Legacy      int64  `json:"legacy"`
	TrackerUsed bool   `json:"tracker_used"`
	InSync      bool   `json:"in_sync"`
}

type pathsRequest struct {
	Visit        string            `json:"visit"`
	ScanNumber   *int64            `json:"scan_number"`
	Subdirectory string            `json:"subdirectory"`
	Metadata     map[string]string `json:"metadata"`
	Detectors    []string          `json:"detectors"`
}

type pathsResponse struct {
	Instrument     string            `json:"instrument"`
	ScanNumber     int64             `json:"scan_number"`
	VisitDirectory string            `json:"visit_directory"`
	ScanFile       string            `json:"scan_file,omitempty"`
	DetectorFiles  map[string]string `json:"detector_files,omitempty"`
}

type historyEntryResponse struct {
	ID           int64  `json:"id"`
	Instrument   string `json:"instrument"`
	ScanNumber   int64  `json:"scan_number"`
	StoredBefore int64  `json:"stored_before"`
	LegacyBefore int64  `json:"legacy_before"`
	Healed       bool   `json:"healed"`
	TrackerOK    bool   `json:"tracker_ok"`
	TrackerError string `json:"tracker_error,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// writeError maps service errors onto HTTP statuses. Template and
// placeholder failures carry enough detail for a client to point at
// the offending character.
func writeError(c *gin.Context, err error) {
	var parseErr *template.ParseError
	if errors.As(err, &parseErr) {
		body := gin.H{
			"error":    err.Error(),
			"kind":     parseErr.Kind.String(),
			"position": parseErr.Position,
		}
		if parseErr.Name != "" {
			body["placeholder"] = parseErr.Name
		}
		c.JSON(http.StatusUnprocessableEntity, body)
		return
	}

	var resolveErr *scanpath.ResolveError
	if errors.As(err, &resolveErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":       err.Error(),
			"placeholder": resolveErr.Field,
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, template.ErrInvalidPath):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, allocator.ErrInvalidInstrumentName),
		errors.Is(err, allocator.ErrInvalidExtension):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, allocator.ErrUnconfigured):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ListInstruments returns every configured instrument.
func ListInstruments(svc *allocator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		configs, err := svc.Instruments()
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]instrumentResponse, 0, len(configs))
		for i := range configs {
			out = append(out, toInstrumentResponse(&configs[i]))
		}
		c.JSON(http.StatusOK, gin.H{"instruments": out})
	}
}

// GetInstrument returns one instrument's configuration.
func GetInstrument(svc *allocator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := svc.Current(c.Param("name"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toInstrumentResponse(cfg))
	}
}

// PutInstrument creates or updates an instrument's configuration.
func PutInstrument(svc *allocator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req configureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		cfg, err := svc.Configure(c.Param("name"), allocator.ConfigUpdate{
			ScanNumber:        req.ScanNumber,
			DirectoryTemplate: req.DirectoryTemplate,
			ScanTemplate:      req.ScanTemplate,
			DetectorTemplate:  req.DetectorTemplate,
			TrackerExtension:  req.TrackerExtension,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toInstrumentResponse(cfg))
	}
}

// GetNumbers reports both counters for an instrument without mutating
// either of them.
func GetNumbers(svc *allocator.Service, metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.Numbers(c.Param("name"))
		if err != nil {
			writeError(c, err)
			return
		}
		if metrics != nil && n.TrackerUsed {
			metrics.ObserveDivergence(n.Instrument, n.Stored, n.Legacy)
		}
		c.JSON(http.StatusOK, numbersResponse{
			Instrument:  n.Instrument,
			Stored:      n.Stored,
			Legacy:      n.Legacy,
			TrackerUsed: n.TrackerUsed,
			InSync:      n.InSync,
		})
	}
}

// AllocateScan allocates the next scan number for an instrument. The
// body is optional; when it carries a visit the freshly allocated
// number is also rendered through the configured templates. A render
// failure after the allocation has committed is reported alongside the
// number rather than failing the request, because the number is
// already spent.
func AllocateScan(svc *allocator.Service, metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pathsRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		a, err := svc.NextScan(c.Param("name"))
		if err != nil {
			writeError(c, err)
			return
		}
		if metrics != nil {
			metrics.ObserveAllocation(a)
		}

		resp := allocationResponse{
			Instrument:   a.Instrument,
			ScanNumber:   a.ScanNumber,
			StoredBefore: a.StoredBefore,
			LegacyBefore: a.LegacyBefore,
			TrackerUsed:  a.TrackerUsed,
			Healed:       a.Healed,
			TrackerOK:    a.TrackerOK,
			TrackerError: a.TrackerError,
		}

		if req.Visit != "" {
			p, err := svc.Paths(a.Instrument, allocator.PathRequest{
				Visit:        req.Visit,
				ScanNumber:   &a.ScanNumber,
				Subdirectory: req.Subdirectory,
				Metadata:     req.Metadata,
				Detectors:    req.Detectors,
			})
			if err != nil {
				resp.RenderError = err.Error()
			} else {
				resp.VisitDirectory = p.VisitDirectory
				resp.ScanFile = p.ScanFile
				resp.DetectorFiles = p.DetectorFiles
			}
		}

		c.JSON(http.StatusOK, resp)
	}
}

// RenderPaths renders the instrument's templates for one request.
func RenderPaths(svc *allocator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pathsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		p, err := svc.Paths(c.Param("name"), allocator.PathRequest{
			Visit:        req.Visit,
			ScanNumber:   req.ScanNumber,
			Subdirectory: req.Subdirectory,
			Metadata:     req.Metadata,
			Detectors:    req.Detectors,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, pathsResponse{
			Instrument:     p.Instrument,
			ScanNumber:     p.ScanNumber,
			VisitDirectory: p.VisitDirectory,
			ScanFile:       p.ScanFile,
			DetectorFiles:  p.DetectorFiles,
		})
	}
}

// GetHistory returns recent allocations for an instrument, newest first.
func GetHistory(svc *allocator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		entries, err := svc.History(c.Param("name"), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]historyEntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, historyEntryResponse{
				ID:           e.ID,
				Instrument:   e.Instrument,
				ScanNumber:   e.ScanNumber,
				StoredBefore: e.StoredBefore,
				LegacyBefore: e.LegacyBefore,
				Healed:       e.Healed,
				TrackerOK:    e.TrackerOK,
				TrackerError: e.TrackerError,
				CreatedAt:    e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			})
		}
		c.JSON(http.StatusOK, gin.H{"history": out})
	}
}

// Healthz reports liveness.
func Healthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
