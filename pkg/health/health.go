package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a health check result
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Response represents the overall health response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service runs registered checks concurrently
type Service struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	timeout  time.Duration
}

// NewService creates a health service. metadata is echoed in every response.
func NewService(logger *logging.Logger, metadata map[string]string) *Service {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: metadata,
		timeout:  10 * time.Second,
	}
}

// RegisterChecker registers a health checker under name
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// CheckHealth performs all health checks. Any unhealthy check makes the
// whole response unhealthy; a degraded check degrades a healthy response.
func (s *Service) CheckHealth(ctx context.Context) *Response {
	start := time.Now()

	s.mu.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		checks = make(map[string]*Check, len(checkers))
		status = StatusHealthy
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			check := checker.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			checks[name] = check
			switch check.Status {
			case StatusUnhealthy:
				status = StatusUnhealthy
			case StatusDegraded:
				if status == StatusHealthy {
					status = StatusDegraded
				}
			}
		}(name, checker)
	}
	wg.Wait()

	if status != StatusHealthy {
		s.logger.Warn("Health check not healthy", "status", string(status))
	}

	return &Response{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for health checks. Degraded components still
// answer 200 so that a missing optional scanner does not fail liveness.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()

		resp := s.CheckHealth(ctx)
		code := http.StatusOK
		if resp.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now().UTC(),
		})
	}
}

// Pinger is implemented by snapshot backends that can report reachability
type Pinger interface {
	Health(ctx context.Context) error
}

// StoreChecker checks a snapshot backend
type StoreChecker struct {
	backend string
	pinger  Pinger
}

// NewStoreChecker creates a checker for backend. A nil pinger means the
// backend lives in process and is always healthy.
func NewStoreChecker(backend string, pinger Pinger) *StoreChecker {
	return &StoreChecker{backend: backend, pinger: pinger}
}

// Check pings the backend
func (sc *StoreChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      "snapshot_store",
		Timestamp: start.UTC(),
		Metadata:  map[string]string{"backend": sc.backend},
	}

	if sc.pinger != nil {
		if err := sc.pinger.Health(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Error = err.Error()
			check.Duration = time.Since(start)
			return check
		}
	}

	check.Status = StatusHealthy
	check.Message = fmt.Sprintf("%s backend is reachable", sc.backend)
	check.Duration = time.Since(start)
	return check
}

// ScannerChecker verifies that the tools behind the enabled scanners are
// installed. Missing tools degrade health rather than fail it.
type ScannerChecker struct {
	registry *scanner.Registry
	rc       *config.RunConfig
}

// NewScannerChecker creates a checker for the scanners enabled in rc
func NewScannerChecker(registry *scanner.Registry, rc *config.RunConfig) *ScannerChecker {
	return &ScannerChecker{registry: registry, rc: rc}
}

// Check configures and validates every enabled scanner
func (sc *ScannerChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      "scanners",
		Timestamp: start.UTC(),
		Metadata:  map[string]string{},
	}

	var missing []string
	names := sc.rc.EnabledScanners()
	for _, name := range names {
		if err := sc.validate(ctx, name); err != nil {
			missing = append(missing, name)
			check.Metadata[name] = err.Error()
			continue
		}
		check.Metadata[name] = "available"
	}
	sort.Strings(missing)

	check.Duration = time.Since(start)
	if len(missing) > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d of %d scanners unavailable: %s", len(missing), len(names), strings.Join(missing, ", "))
		return check
	}
	check.Status = StatusHealthy
	check.Message = fmt.Sprintf("%d scanners available", len(names))
	return check
}

func (sc *ScannerChecker) validate(ctx context.Context, name string) error {
	plugin, err := sc.registry.NewPlugin(name)
	if err != nil {
		return err
	}
	if err := plugin.Configure(sc.rc.Scanners[name].ScannerConfig(name)); err != nil {
		return err
	}
	ok, err := plugin.Validate(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not available", name)
	}
	return nil
}

// CustomChecker adapts a function into a Checker
type CustomChecker struct {
	name    string
	checkFn func(ctx context.Context) (Status, string, error)
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{name: name, checkFn: checkFn}
}

// Check runs the wrapped function
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	status, message, err := cc.checkFn(ctx)
	check := &Check{
		Name:      cc.name,
		Status:    status,
		Message:   message,
		Timestamp: start.UTC(),
		Duration:  time.Since(start),
	}
	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy || check.Status == "" {
			check.Status = StatusUnhealthy
		}
	}
	return check
}
