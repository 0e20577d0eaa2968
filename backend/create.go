package backend

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/omicsdm/server/core/schema"
)

// datasetVisibilityDefault is the fallback visibility for projects created
// without an explicit default.
const datasetVisibilityDefault = "private"

// decodeSubmissionList decodes a creation payload. Both levels are submitted
// as a list of objects, one object per entity.
func decodeSubmissionList(r *http.Request) ([]map[string]interface{}, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, wrongSchema("payload is not a list")
	}

	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, wrongSchema("payload is not a list")
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, wrongSchema("payload is not a list")
	}

	rows := make([]map[string]interface{}, 0, len(list))
	for _, element := range list {
		row, ok := element.(map[string]interface{})
		if !ok {
			return nil, wrongSchema("submission is not an object")
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// validateSubmissionIDs checks that every submitted row carries a usable
// external identifier. Project identifiers are global, so a batch must not
// repeat them.
func validateSubmissionIDs(rows []map[string]interface{}, uniqueWithinBatch bool) error {
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		v, ok := row["id"]
		if !ok || v == nil {
			return wrongSchema("id is missing")
		}
		id, _ := v.(string)
		if id == "" {
			return wrongSchema("id is an empty string")
		}
		if uniqueWithinBatch {
			if seen[id] {
				return wrongSchema("duplicated project_ids not allowed")
			}
			seen[id] = true
		}
	}
	return nil
}

// buildSubmissionSchema renders a submission descriptor as a JSON schema.
// Every field is required, mandatory string fields must be non-empty.
func buildSubmissionSchema(sd SubmissionDescriptor) map[string]interface{} {
	properties := make(map[string]interface{}, len(sd.Fields))
	required := make([]interface{}, 0, len(sd.Fields))

	for _, field := range sd.Fields {
		var property map[string]interface{}
		if field.Boolean {
			property = map[string]interface{}{"type": "boolean"}
		} else {
			property = map[string]interface{}{"type": "string"}
			if field.Mandatory {
				property["minLength"] = 1
			}
		}
		if enum, ok := sd.Enums[field.ID]; ok {
			property["enum"] = enum
		}
		properties[field.ID] = property
		required = append(required, field.ID)
	}

	return map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func schemaProperties(submissionSchema map[string]interface{}) map[string]interface{} {
	return submissionSchema["properties"].(map[string]interface{})
}

// modifyProjectSchema adapts the generic project schema to one submission:
// the logo URL only has to look like a URL when it is given at all.
func modifyProjectSchema(submissionSchema map[string]interface{}, data map[string]interface{}) {
	properties := schemaProperties(submissionSchema)

	logoURL := map[string]interface{}{"type": "string", "pattern": ".*"}
	if v, _ := data["logoUrl"].(string); v != "" {
		logoURL["pattern"] = "^(http|https)://.*$"
	}
	properties["logoUrl"] = logoURL
	properties["datasetVisibilityDefault"] = map[string]interface{}{
		"type": "string",
		"enum": VisibilitySelection,
	}
}

// projectPolicy is the subset of a project's extended attributes that governs
// its datasets.
type projectPolicy struct {
	id                   int64
	externalID           string
	diseases             string
	visibilityDefault    string
	visibilityChangeable bool
	fileDownloadAllowed  bool
	extraCols            map[string]interface{}
}

// loadProjectPolicy resolves a project by its external identifier.
func (b *Backend) loadProjectPolicy(q querier, externalID string) (*projectPolicy, error) {
	query := fmt.Sprintf(`SELECT id, project_id, extra_cols FROM %s.project WHERE project_id = $1;`, b.db.Schema)

	var id int64
	var projectID string
	var extraCols []byte
	err := q.QueryRow(query, externalID).Scan(&id, &projectID, &extraCols)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	extra := map[string]interface{}{}
	if err := json.Unmarshal(extraCols, &extra); err != nil {
		return nil, err
	}

	policy := &projectPolicy{
		id:         id,
		externalID: projectID,
		extraCols:  extra,
	}
	policy.diseases, _ = extra["diseases"].(string)
	policy.visibilityDefault, _ = extra["dataset_visibility_default"].(string)
	policy.visibilityChangeable, _ = extra["dataset_visibility_changeable"].(bool)
	policy.fileDownloadAllowed, _ = extra["file_dl_allowed"].(bool)
	return policy, nil
}

// allowedDiseases are the project's diseases plus the healthy control cohort.
func (p *projectPolicy) allowedDiseases() []string {
	return append([]string{"healthy control"}, strings.Split(p.diseases, ",")...)
}

// modifyDatasetSchema adapts the generic dataset schema to one submission:
// the disease selection comes from the parent project, the visibility
// selection collapses to the project default when the project forbids
// changing it, and the two extra files have to be single pdf respectively
// csv/json references.
func (b *Backend) modifyDatasetSchema(submissionSchema map[string]interface{}, data map[string]interface{}) error {
	projectID, ok := data["project_id"].(string)
	if !ok || projectID == "" {
		return wrongSchema("project_id is missing")
	}

	policy, err := b.loadProjectPolicy(b.db, projectID)
	if err != nil {
		return err
	}
	if policy == nil {
		return notFound("project not exist")
	}

	properties := schemaProperties(submissionSchema)

	diseaseProperty := properties["disease"].(map[string]interface{})
	diseaseProperty["enum"] = policy.allowedDiseases()

	if !policy.visibilityChangeable {
		visibilityProperty := properties["visibility"].(map[string]interface{})
		visibilityProperty["enum"] = []string{policy.visibilityDefault}
	}

	for _, field := range []string{"samplesCount", "featuresCount"} {
		properties[field] = map[string]interface{}{
			"type":    "string",
			"pattern": `^\d+$`,
		}
	}

	properties["file"] = singleFileSchema(`^.+\.pdf$`)
	properties["file2"] = singleFileSchema(`^.+\.(csv|json)$`)
	properties["project_id"] = map[string]interface{}{
		"type":      "string",
		"minLength": 1,
	}
	return nil
}

func singleFileSchema(extensionPattern string) map[string]interface{} {
	return map[string]interface{}{
		"type": "array",
		"items": map[string]interface{}{
			"type": "string",
			"allOf": []interface{}{
				map[string]interface{}{"pattern": `^[^\s]+$`},
				map[string]interface{}{"pattern": extensionPattern},
			},
		},
		"maxItems": 1,
	}
}

// checkProjectIDAvailable rejects a project identifier that is already
// taken. Project identifiers are global.
func (b *Backend) checkProjectIDAvailable(externalID string) error {
	query := fmt.Sprintf(`SELECT id FROM %s.project WHERE project_id = $1;`, b.db.Schema)
	var id int64
	err := b.db.QueryRow(query, externalID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	return alreadyPresent("project_id")
}

// checkDatasetIDAvailable rejects a dataset identifier already used within
// the owning group. Dataset identifiers are only unique per group.
func (b *Backend) checkDatasetIDAvailable(groupID int64, externalID string) error {
	query := fmt.Sprintf(`SELECT d.dataset_id FROM %[1]s.dataset d
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
WHERE og.group_id = $1 AND d.dataset_id = $2;`, b.db.Schema)

	var found string
	err := b.db.QueryRow(query, groupID, externalID).Scan(&found)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	return alreadyPresent(found)
}

// resolveOwnerGroups maps a list of group names to group row ids. "ALL"
// expands to every group of the realm. Groups unknown to the database are
// validated against the identity provider and created lazily.
func (b *Backend) resolveOwnerGroups(ctx context.Context, names []string) ([]int64, error) {
	if len(names) == 1 && names[0] == "ALL" {
		all, err := b.groups.AllGroups(ctx)
		if err != nil {
			return nil, err
		}
		names = all
	}

	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, ok, err := b.groupID(b.db, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			valid, err := b.groups.IsValidGroup(ctx, name)
			if err != nil {
				return nil, err
			}
			if !valid {
				return nil, invalidGroup(name)
			}
			id, err = b.ensureGroup(b.db, name)
			if err != nil {
				return nil, err
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// createdProject is the stored shape of a freshly inserted project, echoed
// back to the creating admin.
type createdProject struct {
	ExternalID string
	Name       string
	CreatedAt  time.Time
	ExtraCols  map[string]interface{}
}

func (p *createdProject) response() map[string]interface{} {
	response := make(map[string]interface{}, len(p.ExtraCols)+3)
	for k, v := range p.ExtraCols {
		response[k] = v
	}
	response["project_id"] = p.ExternalID
	response["name"] = p.Name
	response["created_at"] = p.CreatedAt.Format("2006-01-02 15:04:05")
	return response
}

// insertProject validates ownership and stores one project row. With dryRun
// the insert is skipped, only the validations run.
func (b *Backend) insertProject(ctx context.Context, row map[string]interface{}, externalID string, dryRun bool) (*createdProject, error) {
	sd := b.descriptors.ProjectSubmission

	name := ""
	ownersValue := ""
	extra := map[string]interface{}{}
	for requestID, value := range row {
		if key, ok := sd.ExtraColumns[requestID]; ok {
			extra[key] = value
			continue
		}
		switch sd.ColumnMapping[requestID] {
		case "name":
			name, _ = value.(string)
		case "owners":
			ownersValue, _ = value.(string)
		}
	}

	// defaults for extended attributes the submission left out
	for _, field := range sd.Fields {
		key, ok := sd.ExtraColumns[field.ID]
		if !ok {
			continue
		}
		if _, present := extra[key]; present {
			continue
		}
		switch {
		case key == "dataset_visibility_default":
			extra[key] = datasetVisibilityDefault
		case field.Boolean:
			extra[key] = true
		default:
			extra[key] = ""
		}
	}

	ownerIDs, err := b.resolveOwnerGroups(ctx, strings.Split(ownersValue, ","))
	if err != nil {
		return nil, err
	}

	project := &createdProject{
		ExternalID: externalID,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
		ExtraCols:  extra,
	}
	if dryRun {
		return project, nil
	}

	extraCols, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}

	insert := fmt.Sprintf(`INSERT INTO %s.project (project_id, name, owners, extra_cols)
VALUES ($1, $2, $3, $4) RETURNING created_at;`, b.db.Schema)
	err = b.db.QueryRow(insert, externalID, name, pq.Array(ownerIDs), extraCols).Scan(&project.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, alreadyPresent("project_id")
		}
		return nil, err
	}
	return project, nil
}

// insertDataset stores one dataset row plus its ownership link. With dryRun
// the insert is skipped, only the validations run.
func (b *Backend) insertDataset(data map[string]interface{}, externalID, submitter string, groupID int64, dryRun bool) error {
	sd := b.descriptors.DatasetSubmission

	visibility, _ := data["visibility"].(string)
	if visibility == "" {
		visibility = datasetVisibilityDefault
	}
	private := visibility != "visible to all"

	name := ""
	projectExternalID := ""
	extra := map[string]interface{}{}
	for requestID, value := range data {
		if requestID == "id" || requestID == "visibility" {
			continue
		}
		if key, ok := sd.ExtraColumns[requestID]; ok {
			if requestID == "healthyControllsIncluded" {
				extra[key] = value == true
			} else {
				extra[key] = value
			}
			continue
		}
		switch sd.ColumnMapping[requestID] {
		case "name":
			name, _ = value.(string)
		case "project_id":
			projectExternalID, _ = value.(string)
		}
	}

	if dryRun {
		return nil
	}

	policy, err := b.loadProjectPolicy(b.db, projectExternalID)
	if err != nil {
		return err
	}
	if policy == nil {
		return notFound("project not exist")
	}

	extraCols, err := json.Marshal(extra)
	if err != nil {
		return err
	}

	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`INSERT INTO %s.dataset
(project_id, dataset_id, name, private, shared_with, submitter_name, extra_cols)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id;`, b.db.Schema)

	var datasetID int64
	err = tx.QueryRow(insert, policy.id, externalID, name, private,
		pq.Array([]int64{}), submitter, extraCols).Scan(&datasetID)
	if err != nil {
		return err
	}

	link := fmt.Sprintf(`INSERT INTO %s.dataset_group (dataset_id, group_id, "owner")
VALUES ($1, $2, true);`, b.db.Schema)
	if _, err := tx.Exec(link, datasetID, groupID); err != nil {
		return err
	}
	return tx.Commit()
}

// createProjects runs the creation pipeline for a batch of projects and
// returns the created rows in submission order.
func (b *Backend) createProjects(ctx context.Context, rows []map[string]interface{}, dryRun bool) ([]*createdProject, error) {
	if err := validateSubmissionIDs(rows, true); err != nil {
		return nil, err
	}

	created := make([]*createdProject, 0, len(rows))
	for _, data := range rows {
		submissionSchema := buildSubmissionSchema(b.descriptors.ProjectSubmission)
		modifyProjectSchema(submissionSchema, data)
		if err := schema.ValidateDocument(data, submissionSchema); err != nil {
			return nil, wrongSchema("%s", err)
		}

		externalID := data["id"].(string)
		if err := b.checkProjectIDAvailable(externalID); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(data))
		for k, v := range data {
			if k == "id" || k == "visibility" {
				continue
			}
			row[k] = v
		}

		project, err := b.insertProject(ctx, row, externalID, dryRun)
		if err != nil {
			return nil, err
		}
		created = append(created, project)
	}
	return created, nil
}

// createDatasets runs the creation pipeline for a batch of datasets and
// returns the external id of the last created dataset.
func (b *Backend) createDatasets(ctx context.Context, rows []map[string]interface{}, submitter, groupName string, dryRun bool) (string, error) {
	if err := validateSubmissionIDs(rows, false); err != nil {
		return "", err
	}

	groupID, err := b.ensureGroup(b.db, groupName)
	if err != nil {
		return "", err
	}

	lastID := ""
	for _, data := range rows {
		submissionSchema := buildSubmissionSchema(b.descriptors.DatasetSubmission)
		if err := b.modifyDatasetSchema(submissionSchema, data); err != nil {
			return "", err
		}
		if err := schema.ValidateDocument(data, submissionSchema); err != nil {
			return "", wrongSchema("%s", err)
		}

		externalID := data["id"].(string)
		if err := b.checkDatasetIDAvailable(groupID, externalID); err != nil {
			return "", err
		}
		if err := b.insertDataset(data, externalID, submitter, groupID, dryRun); err != nil {
			return "", err
		}
		lastID = externalID
	}
	return lastID, nil
}
