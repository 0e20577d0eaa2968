package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/omicsdm/server/core/access"
	"github.com/omicsdm/server/core/logger"
)

// recordHistory writes one audit row for a mutating request and publishes an
// entity change event when a notifier is configured. Auditing is best effort:
// the insert is retried once and a persistent failure is only logged, it
// never fails the request itself.
func (b *Backend) recordHistory(ctx context.Context, auth *access.Authorization, operation, entityID, endpoint, method string, content interface{}) {
	rlog := logger.FromContext(ctx)

	contentJSON, err := json.Marshal(content)
	if err != nil {
		contentJSON = []byte("{}")
	}

	insert := fmt.Sprintf(`INSERT INTO %s.history (entity_id, username, groups, endpoint, method, content)
VALUES ($1, $2, $3, $4, $5, $6);`, b.db.Schema)

	groups := strings.Join(auth.Groups, ",")
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		_, err = b.db.Exec(insert, entityID, auth.Name, groups, endpoint, method, contentJSON)
		if err == nil {
			break
		}
	}
	if err != nil {
		rlog.WithError(err).Warningf("Error 5000: cannot record history for %s %s", method, endpoint)
	}

	b.notifier.Notify(ctx, b.kindForEndpoint(endpoint), operation, entityID, auth.Name)
}

func (b *Backend) kindForEndpoint(endpoint string) Kind {
	switch {
	case strings.Contains(endpoint, "/projects"):
		return KindProject
	case strings.Contains(endpoint, "/datasets"):
		return KindDataset
	default:
		return KindFile
	}
}
