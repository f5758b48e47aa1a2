// Package admission enforces the per-role concurrency and payload-size
// quotas. Decisions are immediate: a caller over quota is rejected, never
// queued.
package admission

import (
	"sync"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
)

// Controller counts active jobs per role against configured ceilings. A slot
// is held from successful reserve until the job reaches a terminal status.
type Controller struct {
	mu            sync.Mutex
	active        map[models.Role]int
	maxConcurrent map[models.Role]int
	maxJobBytes   map[models.Role]int64
	logger        *common.Logger
}

var _ interfaces.AdmissionController = (*Controller)(nil)

// NewController builds a controller from the admission config.
func NewController(cfg common.AdmissionConfig, logger *common.Logger) *Controller {
	return &Controller{
		active: make(map[models.Role]int, 3),
		maxConcurrent: map[models.Role]int{
			models.RoleAdmin:     cfg.MaxConcurrentAdmin,
			models.RoleDeveloper: cfg.MaxConcurrentDeveloper,
			models.RoleGuest:     cfg.MaxConcurrentGuest,
		},
		maxJobBytes: map[models.Role]int64{
			models.RoleAdmin:     cfg.MaxJobBytesAdmin,
			models.RoleDeveloper: cfg.MaxJobBytesDeveloper,
			models.RoleGuest:     cfg.MaxJobBytesGuest,
		},
		logger: logger,
	}
}

// limitsFor returns the role's ceilings, falling back to GUEST for roles the
// config does not know. Callers hold c.mu.
func (c *Controller) limitsFor(role models.Role) (int, int64) {
	maxJobs, ok := c.maxConcurrent[role]
	if !ok {
		maxJobs = c.maxConcurrent[models.RoleGuest]
	}
	maxBytes, ok := c.maxJobBytes[role]
	if !ok {
		maxBytes = c.maxJobBytes[models.RoleGuest]
	}
	return maxJobs, maxBytes
}

// TryReserve atomically checks both limits and claims a slot.
func (c *Controller) TryReserve(role models.Role, sizeBytes int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxJobs, maxBytes := c.limitsFor(role)
	if sizeBytes > maxBytes {
		return common.Ef(common.KindPayloadTooLarge,
			"program is %d bytes, limit for %s is %d", sizeBytes, role, maxBytes)
	}
	if c.active[role] >= maxJobs {
		return common.Ef(common.KindQuotaExceeded,
			"%s already has %d active jobs (limit %d)", role, c.active[role], maxJobs)
	}
	c.active[role]++
	return nil
}

// Release frees a slot. A release with no slot held is ignored; it means the
// coordinator double-released and is worth a warning, not a crash.
func (c *Controller) Release(role models.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active[role] <= 0 {
		c.logger.Warn().Str("role", string(role)).Msg("Admission release with no slot held")
		return
	}
	c.active[role]--
}

// Restore re-claims a slot during startup recovery without checking limits,
// so jobs admitted before a restart keep their slots even if the ceilings
// were lowered since.
func (c *Controller) Restore(role models.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[role]++
}

// Active returns the current slot count for a role.
func (c *Controller) Active(role models.Role) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[role]
}
