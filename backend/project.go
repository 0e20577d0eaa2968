package backend

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/omicsdm/server/core/logger"
	"github.com/omicsdm/server/core/schema"
)

func (b *Backend) createProjectRoutes(router *mux.Router) {
	router.HandleFunc("/validate", b.projectValidate).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/create", b.projectCreate).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/all", b.projectList).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/admin/view", b.projectAdminView).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/admin/update", b.projectAdminUpdate).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/submissioncols", b.projectSubmissionCols).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/adminviewcols", b.projectAdminViewCols).Methods(http.MethodPost, http.MethodOptions)
}

// projectValidate dry-runs the creation pipeline for a batch of projects.
func (b *Backend) projectValidate(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	if _, apiErr := authorize(r); apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	rows, err := decodeSubmissionList(r)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	if _, err := b.createProjects(r.Context(), rows, true); err != nil {
		writeError(w, rlog, err)
		return
	}
	writeJSON(w, http.StatusOK, "projects can be inserted")
}

// projectCreate creates a batch of projects and echoes the stored shape of
// the last one back.
func (b *Backend) projectCreate(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorizeAdmin(r, "create a project")
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	rows, err := decodeSubmissionList(r)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	created, err := b.createProjects(r.Context(), rows, false)
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	last := created[len(created)-1]
	b.recordHistory(r.Context(), auth, "create", last.ExternalID, r.URL.Path, r.Method, rows)
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": last.response()})
}

// projectList returns the projects owned by the caller's group, reduced to
// the fields the submission UI needs.
func (b *Backend) projectList(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	groupID, err := b.ensureGroup(b.db, auth.PrimaryGroup())
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	query := fmt.Sprintf(`SELECT project_id, name, extra_cols FROM %s.project WHERE owners @> $1;`, b.db.Schema)
	rows, err := b.db.Query(query, pq.Array([]int64{groupID}))
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	defer rows.Close()

	projects := []map[string]interface{}{}
	for rows.Next() {
		var projectID, name string
		var extraCols []byte
		if err := rows.Scan(&projectID, &name, &extraCols); err != nil {
			writeError(w, rlog, err)
			return
		}
		extra := map[string]interface{}{}
		json.Unmarshal(extraCols, &extra)

		item := map[string]interface{}{
			"project_id": projectID,
			"name":       name,
		}
		for key, value := range extraColumnValues(extra, "diseases", "logo_url", "description") {
			item[key] = value
		}
		projects = append(projects, item)
	}
	if err := rows.Err(); err != nil {
		writeError(w, rlog, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

// projectAdminView returns a filtered, sorted page of all projects.
func (b *Backend) projectAdminView(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}
	if !auth.IsAdmin() {
		writeError(w, rlog, notFound("Only admin users can view projects"))
		return
	}

	req, err := parseViewRequest(r)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	response, err := b.projectView(req)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// projectView executes the tabular project query. The project view has no
// visibility scoping, it is admin only.
func (b *Backend) projectView(req *viewRequest) (*viewResponse, error) {
	q := b.newViewQuery(b.descriptors.ProjectView)
	if err := q.applyFilters(req.Filtered); err != nil {
		return nil, err
	}
	if err := q.applySort(req.Sorted); err != nil {
		return nil, err
	}

	statement := q.selectStatement(`v.id, v.project_id, v.name, v.owners, v.extra_cols`,
		req.Page, req.PageSize)
	rows, err := b.db.Query(statement, q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	total := 0
	items := []map[string]interface{}{}
	for rows.Next() {
		var id int64
		var projectID, name string
		var owners pq.Int64Array
		var extraCols []byte
		if err := rows.Scan(&id, &projectID, &name, &owners, &extraCols, &total); err != nil {
			return nil, err
		}

		extra := map[string]interface{}{}
		json.Unmarshal(extraCols, &extra)

		item := map[string]interface{}{
			"id":         id,
			"project_id": projectID,
			"name":       name,
		}
		for key, value := range extraColumnValues(extra,
			"description", "dataset_visibility_default", "dataset_visibility_changeable",
			"file_dl_allowed", "diseases", "logo_url") {
			item[key] = pythonBoolString(value)
		}

		ownerNames, err := b.joinGroupNames(b.db, owners)
		if err != nil {
			return nil, err
		}
		item["owners"] = ownerNames
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	response := newViewResponse(req.Page, req.PageSize, total)
	response.Items = items
	return response, nil
}

// adminUpdateRequest is the payload of the three admin update endpoints: one
// field, one value, applied to a set of rows.
type adminUpdateRequest struct {
	DBRowIDs []int64 `json:"dbRowIds"`
	Field    string  `json:"field"`
	Value    string  `json:"value"`
}

// parseAdminUpdate decodes and validates an admin update payload. The
// modify hook adapts the value constraints to the selected field.
func parseAdminUpdate(r *http.Request, allowedFields []string, modify func(properties map[string]interface{}, field string)) (*adminUpdateRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, wrongSchema("request body is not valid JSON")
	}

	var document map[string]interface{}
	if err := json.Unmarshal(body, &document); err != nil {
		return nil, wrongSchema("request body is not valid JSON")
	}

	properties := map[string]interface{}{
		"dbRowIds": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "integer"},
		},
		"field": map[string]interface{}{"type": "string", "enum": allowedFields},
		"value": map[string]interface{}{"type": "string"},
	}
	field, _ := document["field"].(string)
	if modify != nil {
		modify(properties, field)
	}

	updateSchema := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"required":             []interface{}{"dbRowIds", "field", "value"},
		"additionalProperties": false,
	}
	if err := schema.ValidateDocument(document, updateSchema); err != nil {
		return nil, wrongSchema("%s", err)
	}

	req := &adminUpdateRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, wrongSchema("request body is not valid JSON")
	}
	return req, nil
}

var projectUpdatableFields = []string{
	"name",
	"owners",
	"diseases",
	"logo_url",
	"description",
	"dataset_visibility_default",
	"dataset_visibility_changeable",
	"file_dl_allowed",
}

var projectExtraUpdateFields = map[string]bool{
	"diseases":                      true,
	"logo_url":                      true,
	"description":                   true,
	"dataset_visibility_default":    true,
	"dataset_visibility_changeable": true,
	"file_dl_allowed":               true,
}

// projectAdminUpdate applies one field change to a set of projects.
func (b *Backend) projectAdminUpdate(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorizeAdmin(r, "update a project")
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	req, err := parseAdminUpdate(r, projectUpdatableFields, func(properties map[string]interface{}, field string) {
		valueProperty := properties["value"].(map[string]interface{})
		switch field {
		case "dataset_visibility_default":
			valueProperty["enum"] = []string{"visible to all", "private"}
		case "dataset_visibility_changeable", "file_dl_allowed":
			valueProperty["enum"] = []string{"True", "False"}
		case "logo_url":
			valueProperty["format"] = "uri"
			valueProperty["pattern"] = "^(http|https)://.*$"
		}
	})
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	tx, err := b.db.Begin()
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	defer tx.Rollback()

	lock := fmt.Sprintf(`SELECT id FROM %s.project WHERE id = ANY($1) FOR UPDATE;`, b.db.Schema)
	lockedRows, err := tx.Query(lock, pq.Array(req.DBRowIDs))
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	var projectIDs []int64
	for lockedRows.Next() {
		var id int64
		if err := lockedRows.Scan(&id); err != nil {
			lockedRows.Close()
			writeError(w, rlog, err)
			return
		}
		projectIDs = append(projectIDs, id)
	}
	lockedRows.Close()
	if len(projectIDs) == 0 {
		writeError(w, rlog, notFound("Project not found"))
		return
	}

	switch {
	case projectExtraUpdateFields[req.Field]:
		var value interface{} = req.Value
		if req.Value == "True" || req.Value == "False" {
			value = req.Value == "True"
		}
		document, _ := json.Marshal(value)
		update := fmt.Sprintf(`UPDATE %s.project
SET extra_cols = jsonb_set(coalesce(extra_cols, '{}'::jsonb), '{%s}', $1::jsonb),
	last_updated_at = now(), last_updated_by = $2
WHERE id = ANY($3);`, b.db.Schema, req.Field)
		if _, err := tx.Exec(update, document, auth.Name, pq.Array(projectIDs)); err != nil {
			writeError(w, rlog, err)
			return
		}

	case req.Field == "owners":
		ownerIDs, err := b.resolveProjectOwners(r, tx, req.Value)
		if err != nil {
			writeError(w, rlog, err)
			return
		}
		update := fmt.Sprintf(`UPDATE %s.project
SET owners = $1, last_updated_at = now(), last_updated_by = $2
WHERE id = ANY($3);`, b.db.Schema)
		if _, err := tx.Exec(update, pq.Array(ownerIDs), auth.Name, pq.Array(projectIDs)); err != nil {
			writeError(w, rlog, err)
			return
		}

	default: // name
		update := fmt.Sprintf(`UPDATE %s.project
SET name = $1, last_updated_at = now(), last_updated_by = $2
WHERE id = ANY($3);`, b.db.Schema)
		if _, err := tx.Exec(update, req.Value, auth.Name, pq.Array(projectIDs)); err != nil {
			writeError(w, rlog, err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		writeError(w, rlog, err)
		return
	}

	b.recordHistory(r.Context(), auth, "update", req.Field, r.URL.Path, r.Method, req)
	writeMessage(w, http.StatusOK, "project updated")
}

// resolveProjectOwners maps a comma separated list of group names to group
// ids, creating rows for groups the identity provider confirms.
func (b *Backend) resolveProjectOwners(r *http.Request, q querier, value string) ([]int64, error) {
	names := strings.Split(value, ",")

	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, ok, err := b.groupID(q, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			valid, err := b.groups.IsValidGroup(r.Context(), name)
			if err != nil {
				return nil, err
			}
			if !valid {
				return nil, notFound("at least one of the owners is invalid")
			}
			id, err = b.ensureGroup(q, name)
			if err != nil {
				return nil, err
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// projectSubmissionCols returns the project submission form fields.
func (b *Backend) projectSubmissionCols(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	if _, apiErr := authorizeAdmin(r, "create projects"); apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": b.descriptors.ProjectSubmission.Fields})
}

// projectAdminViewCols returns the project view table columns.
func (b *Backend) projectAdminViewCols(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	if _, apiErr := authorizeAdmin(r, "view the projects"); apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"headers": b.descriptors.ProjectView.Columns})
}
