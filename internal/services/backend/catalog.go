// Package backend resolves user-supplied backend names against the published
// backend-status catalog.
package backend

import (
	"context"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
)

// UnifiedBackendName is the single canonical queue used when backend
// unification is on: every backend resolves here and any worker may serve it.
const UnifiedBackendName = "all"

// Catalog reads the backend-status document from the parameter store on
// every call. No caching: operators flip backend status by rewriting the
// parameter, and the next request must see it.
type Catalog struct {
	params    interfaces.ParameterStore
	paramName string
	unify     bool
	logger    *common.Logger
}

// NewCatalog creates a catalog reading the named parameter.
func NewCatalog(params interfaces.ParameterStore, paramName string, unify bool, logger *common.Logger) *Catalog {
	return &Catalog{
		params:    params,
		paramName: paramName,
		unify:     unify,
		logger:    logger,
	}
}

var _ interfaces.BackendCatalog = (*Catalog)(nil)

// Resolve maps a requested name to its canonical backend and current status.
func (c *Catalog) Resolve(ctx context.Context, requested string) (models.BackendStatus, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return models.BackendStatus{}, err
	}

	name := strings.TrimSpace(requested)
	for _, b := range doc.Backends {
		if matches(b, name) {
			return c.status(requested, b), nil
		}
	}

	c.logger.Debug().Str("backend", requested).Msg("Backend not in catalog")
	return models.BackendStatus{}, common.Ef(common.KindUnknownBackend, "unknown backend %q", requested)
}

// All returns the catalog's current view of every backend.
func (c *Catalog) All(ctx context.Context) ([]models.BackendStatus, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]models.BackendStatus, 0, len(doc.Backends))
	for _, b := range doc.Backends {
		statuses = append(statuses, c.status(b.Name, b))
	}
	return statuses, nil
}

func (c *Catalog) load(ctx context.Context) (*models.BackendCatalogDoc, error) {
	raw, err := c.params.GetParameter(ctx, c.paramName)
	if err != nil {
		return nil, common.WrapErr(common.KindInternal, err, "failed to fetch backend catalog")
	}

	var doc models.BackendCatalogDoc
	if err := toml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, common.WrapErr(common.KindInternal, err, "failed to parse backend catalog")
	}
	return &doc, nil
}

func (c *Catalog) status(requested string, b models.Backend) models.BackendStatus {
	canonical := b.Name
	if c.unify {
		canonical = UnifiedBackendName
	}
	return models.BackendStatus{
		Requested:   requested,
		Canonical:   canonical,
		Status:      models.ParseServiceStatus(b.Status),
		Description: b.Description,
	}
}

// matches reports whether the backend entry answers to the given name,
// directly or through an alias.
func matches(b models.Backend, name string) bool {
	if strings.EqualFold(b.Name, name) {
		return true
	}
	for _, alias := range b.Aliases {
		if strings.EqualFold(alias, name) {
			return true
		}
	}
	return false
}
