/*Package backend implements the OmicsDM REST backend: permission-scoped
views, creation pipelines and file lifecycle over a Project → Dataset → File
hierarchy stored in Postgres.

All routes are registered on the router passed to the Builder. Authentication
happens in a middleware (core/access); handlers only look at the
Authorization in the request context.
*/
package backend

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/omicsdm/server/backend/kss"
	"github.com/omicsdm/server/core/access"
	"github.com/omicsdm/server/core/csql"
	"github.com/omicsdm/server/core/logger"
)

// presignExpiry is how long generated download and upload URLs stay valid.
const presignExpiry = 7 * 24 * time.Hour

// Backend is the OmicsDM REST backend
type Backend struct {
	db          *csql.DB
	router      *mux.Router
	kssDriver   kss.Driver
	groups      GroupDirectory
	notifier    *Notifier
	descriptors Descriptors

	uploadBucket  string
	signingSecret []byte
}

// Builder is a builder helper for the Backend
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// KssConfiguration selects the object storage driver for data files.
	KssConfiguration kss.Configuration
	// GroupDirectory validates group names against the identity provider.
	// This is mandatory.
	GroupDirectory GroupDirectory
	// KafkaBrokers enables entity change events when non-empty.
	KafkaBrokers []string
	// UploadBucket is the bucket name browser uploads are signed for.
	UploadBucket string
	// UploadSigningSecret signs multipart upload requests from the browser.
	UploadSigningSecret string
	// Descriptors configures the view and submission columns. Nil selects
	// the default 3TR descriptors.
	Descriptors *Descriptors
	// UpdateSchema creates the database relations if they do not exist.
	UpdateSchema bool
}

// New realizes the actual backend. It creates the sql relations (if
// requested) and adds the routes to the router.
func New(bb *Builder) *Backend {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}
	if bb.GroupDirectory == nil {
		panic("GroupDirectory is missing")
	}

	descriptors := DefaultDescriptors()
	if bb.Descriptors != nil {
		descriptors = *bb.Descriptors
	}

	b := &Backend{
		db:            bb.DB,
		router:        bb.Router,
		groups:        bb.GroupDirectory,
		descriptors:   descriptors,
		uploadBucket:  bb.UploadBucket,
		signingSecret: []byte(bb.UploadSigningSecret),
	}

	switch bb.KssConfiguration.DriverType {
	case kss.DriverTypeLocal:
		driver, err := kss.NewLocalFilesystem(*bb.KssConfiguration.LocalConfiguration)
		if err != nil {
			panic(err)
		}
		b.kssDriver = driver
	case kss.DriverTypeAWSS3:
		driver, err := kss.NewS3(*bb.KssConfiguration.S3Configuration)
		if err != nil {
			panic(err)
		}
		b.kssDriver = driver
	case kss.None:
	default:
		panic(fmt.Sprintf("unknown KSS driver type %q", bb.KssConfiguration.DriverType))
	}

	if len(bb.KafkaBrokers) > 0 {
		b.notifier = NewNotifier(bb.KafkaBrokers)
	}

	if bb.UpdateSchema {
		if err := b.createRelations(); err != nil {
			panic(err)
		}
	}

	access.HandleAuthorizationRoute(bb.Router)
	b.handleRoutes(bb.Router)
	return b
}

// createRelations creates the sql relations if they do not exist yet
func (b *Backend) createRelations() error {
	schema := b.db.Schema
	statements := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s."group" (
	id serial PRIMARY KEY,
	kc_groupname varchar NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS %[1]s.project (
	id serial PRIMARY KEY,
	project_id varchar(80) NOT NULL UNIQUE,
	name varchar NOT NULL DEFAULT '',
	owners integer[] NOT NULL DEFAULT '{}',
	created_at timestamp NOT NULL DEFAULT now(),
	last_updated_at timestamp,
	last_updated_by varchar,
	extra_cols jsonb NOT NULL DEFAULT '{}'::jsonb
);
CREATE TABLE IF NOT EXISTS %[1]s.dataset (
	id serial PRIMARY KEY,
	project_id integer REFERENCES %[1]s.project(id),
	dataset_id varchar(120) NOT NULL,
	name varchar NOT NULL DEFAULT '',
	private boolean NOT NULL DEFAULT true,
	shared_with integer[] NOT NULL DEFAULT '{}',
	submitter_name varchar,
	submission_date timestamp NOT NULL DEFAULT now(),
	extra_cols jsonb NOT NULL DEFAULT '{}'::jsonb
);
CREATE TABLE IF NOT EXISTS %[1]s.dataset_group (
	dataset_id integer NOT NULL REFERENCES %[1]s.dataset(id),
	group_id integer NOT NULL REFERENCES %[1]s."group"(id),
	"owner" boolean NOT NULL DEFAULT false
);
CREATE TABLE IF NOT EXISTS %[1]s.file (
	id serial PRIMARY KEY,
	dataset_id integer NOT NULL REFERENCES %[1]s.dataset(id),
	name varchar NOT NULL,
	version integer NOT NULL DEFAULT 1,
	enabled boolean NOT NULL DEFAULT true,
	upload_finished boolean NOT NULL DEFAULT false,
	shared_with integer[] NOT NULL DEFAULT '{}',
	submitter_name varchar,
	submission_date timestamp NOT NULL DEFAULT now(),
	extra_cols jsonb NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS file_dataset_id_idx ON %[1]s.file(dataset_id);
CREATE TABLE IF NOT EXISTS %[1]s.history (
	id serial PRIMARY KEY,
	entity_id varchar,
	"timestamp" timestamp NOT NULL DEFAULT now(),
	username varchar,
	groups varchar,
	endpoint varchar,
	method varchar,
	content jsonb
);
`, schema)
	_, err := b.db.Exec(statements)
	return err
}

// handleRoutes adds all handlers for the three entity levels
func (b *Backend) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: handle routes")

	api := router.PathPrefix("/api").Subrouter()
	b.createProjectRoutes(api.PathPrefix("/projects").Subrouter())
	b.createDatasetRoutes(api.PathPrefix("/datasets").Subrouter())
	b.createFileRoutes(api.PathPrefix("/files").Subrouter())
}

// presignGet returns a presigned download URL for key. Downloads answer 503
// when the service runs without an object storage driver.
func (b *Backend) presignGet(key string, expireIn time.Duration) (string, error) {
	if b.kssDriver == nil {
		return "", errNoObjectStore
	}
	return b.kssDriver.GetPreSignedURL(kss.Get, key, expireIn)
}

// authorize returns the caller's authorization or an API error for
// unauthenticated requests.
func authorize(r *http.Request) (*access.Authorization, *Error) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil || auth.PrimaryGroup() == "" {
		return nil, &Error{Status: http.StatusUnauthorized, Message: "No token provided"}
	}
	return auth, nil
}

// authorizeAdmin returns the caller's authorization and rejects callers
// outside the admin group.
func authorizeAdmin(r *http.Request, action string) (*access.Authorization, *Error) {
	auth, apiErr := authorize(r)
	if apiErr != nil {
		return nil, apiErr
	}
	if !auth.IsAdmin() {
		return nil, notAllowed("Only admin users can %s", action)
	}
	return auth, nil
}
