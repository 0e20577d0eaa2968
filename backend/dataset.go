package backend

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/omicsdm/server/backend/kss"
	"github.com/omicsdm/server/core/logger"
	"github.com/omicsdm/server/core/schema"
)

// extraFileColumns maps the sub key of an extra file's object storage path
// to the extended attribute holding its file name.
var extraFileColumns = map[string]string{
	"dataPolicy": "file",
	"clinical":   "file2",
}

// datasetDisplayExtraCols are the extended attributes every dataset view row
// carries, absent ones default to the empty string.
var datasetDisplayExtraCols = []string{
	"disease", "treatment", "molecularInfo", "sampleType", "dataType",
	"valueType", "platform", "genomeAssembly", "annotation",
	"samplesCount", "featuresCount", "featuresID",
	"healthyControllsIncluded", "additionalInfo", "contact", "tags",
	"file", "policy_presigned_url", "file2", "clinical_presigned_url",
}

func (b *Backend) createDatasetRoutes(router *mux.Router) {
	router.HandleFunc("/validate", b.datasetValidate).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/create", b.datasetCreate).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("", b.datasetShare).Methods(http.MethodPut, http.MethodOptions)
	router.HandleFunc("/", b.datasetShare).Methods(http.MethodPut, http.MethodOptions)
	router.HandleFunc("/all", b.datasetAll).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/list", b.datasetList).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/admin/view", b.datasetAdminView).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/admin/update", b.datasetAdminUpdate).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/viewcols", b.datasetViewCols).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/submissioncols", b.datasetSubmissionCols).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/adminviewcols", b.datasetAdminViewCols).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/extrafile/uploadfinish", b.datasetExtraFileUploadFinish).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/extrafile/download", b.datasetExtraFileDownload).Methods(http.MethodPost, http.MethodOptions)
}

// datasetValidate dry-runs the creation pipeline for a batch of datasets.
func (b *Backend) datasetValidate(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	rows, err := decodeSubmissionList(r)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	if _, err := b.createDatasets(r.Context(), rows, auth.Name, auth.PrimaryGroup(), true); err != nil {
		writeError(w, rlog, err)
		return
	}
	writeMessage(w, http.StatusOK, "datasets can be inserted")
}

// datasetCreate creates one dataset. When the submission references a data
// policy or clinical file, the response carries the object storage keys the
// client uploads them to.
func (b *Backend) datasetCreate(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, rlog, wrongSchema("request body is not valid JSON"))
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		writeError(w, rlog, wrongSchema("request body is not valid JSON"))
		return
	}

	policyFile := firstString(data["file"])
	clinicalFile := firstString(data["file2"])

	datasetID, err := b.createDatasets(r.Context(), []map[string]interface{}{data},
		auth.Name, auth.PrimaryGroup(), false)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	b.recordHistory(r.Context(), auth, "create", datasetID, r.URL.Path, r.Method, data)

	if policyFile == "" && clinicalFile == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "dataset inserted",
			"id":      datasetID,
		})
		return
	}

	policyKey := ""
	clinicalKey := ""
	if policyFile != "" {
		policyKey = strings.Join([]string{auth.PrimaryGroup(), datasetID, "dataPolicy", policyFile}, "/")
	}
	if clinicalFile != "" {
		clinicalKey = strings.Join([]string{auth.PrimaryGroup(), datasetID, "clinical", clinicalFile}, "/")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":            "dataset inserted",
		"dataPolicyAwsKey":   policyKey,
		"clinicalDataAwsKey": clinicalKey,
	})
}

// datasetAll returns the page of datasets visible to the caller's group.
func (b *Backend) datasetAll(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	req, err := parseViewRequest(r)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	response, err := b.datasetView(r.Context(), auth.PrimaryGroup(), false, req)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// datasetAdminView returns a page of all datasets, without visibility
// scoping.
func (b *Backend) datasetAdminView(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}
	if !auth.IsAdmin() {
		writeError(w, rlog, notFound("Only admin users can view datasets"))
		return
	}

	req, err := parseViewRequest(r)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	response, err := b.datasetView(r.Context(), auth.PrimaryGroup(), true, req)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

type datasetRow struct {
	id             int64
	datasetID      string
	name           string
	private        bool
	sharedWith     pq.Int64Array
	submitterName  sql.NullString
	submissionDate time.Time
	extraCols      []byte
	projectID      sql.NullString
	ownerGroupID   int64
	ownerGroup     string
}

// datasetView executes the tabular dataset query and expands each row into
// the shape the UI renders.
func (b *Backend) datasetView(ctx context.Context, groupName string, admin bool, req *viewRequest) (*viewResponse, error) {
	q := b.newViewQuery(b.descriptors.DatasetView)

	var callerGroupID int64
	if !admin {
		groupID, err := b.ensureGroup(b.db, groupName)
		if err != nil {
			return nil, err
		}
		callerGroupID = groupID
		q.restrictVisibility(groupID)
	}
	if err := q.applyFilters(req.Filtered); err != nil {
		return nil, err
	}
	if err := q.applySort(req.Sorted); err != nil {
		return nil, err
	}

	statement := q.selectStatement(`v.id, v.dataset_id, v.name, v.private, v.shared_with,
v.submitter_name, v.submission_date, v.extra_cols, p.project_id, og.group_id, g.kc_groupname`,
		req.Page, req.PageSize)
	rows, err := b.db.Query(statement, q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	total := 0
	items := []map[string]interface{}{}
	nameCache := map[int64]string{}
	if !admin {
		nameCache[callerGroupID] = groupName
	}

	for rows.Next() {
		var row datasetRow
		err := rows.Scan(&row.id, &row.datasetID, &row.name, &row.private, &row.sharedWith,
			&row.submitterName, &row.submissionDate, &row.extraCols, &row.projectID,
			&row.ownerGroupID, &row.ownerGroup, &total)
		if err != nil {
			return nil, err
		}

		item, err := b.datasetViewItem(ctx, &row, groupName, callerGroupID, admin, nameCache)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	response := newViewResponse(req.Page, req.PageSize, total)
	response.Items = items
	return response, nil
}

func (b *Backend) datasetViewItem(ctx context.Context, row *datasetRow, groupName string, callerGroupID int64, admin bool, nameCache map[int64]string) (map[string]interface{}, error) {
	extra := map[string]interface{}{}
	json.Unmarshal(row.extraCols, &extra)

	item := map[string]interface{}{
		"id":             row.id,
		"dataset_id":     row.datasetID,
		"name":           row.name,
		"project_id":     row.projectID.String,
		"submitter_name": row.submitterName.String,
	}
	for key, value := range extraColumnValues(extra, datasetDisplayExtraCols...) {
		item[key] = value
	}
	item["healthyControllsIncluded"] = truthLabel(extra["healthyControllsIncluded"])
	item["visibility"] = visibilityString(row.private)

	b.regeneratePresignedURL(ctx, item, row, "file", "policy_presigned_url", "dataPolicy")
	b.regeneratePresignedURL(ctx, item, row, "file2", "clinical_presigned_url", "clinical")

	item["policy_file"] = item["file"]
	item["clinical_file"] = item["file2"]
	delete(item, "file")
	delete(item, "file2")

	sharedWith := row.sharedWith
	if admin {
		sharedWith = nil
	}
	label, err := b.sharedWithLabel(sharedWith, row.ownerGroupID, callerGroupID, row.private, nameCache)
	if err != nil {
		return nil, err
	}
	item["shared_with"] = label
	item["owner"] = row.ownerGroup
	item["isUserOwner"] = row.ownerGroup == groupName
	item["submit_date"] = row.submissionDate.Format(submitDateFormat)
	return item, nil
}

// truthLabel renders a truthy extended attribute as the UI's "True"/"False"
// string pair.
func truthLabel(v interface{}) string {
	switch value := v.(type) {
	case bool:
		if value {
			return "True"
		}
	case string:
		if value != "" && value != "False" {
			return "True"
		}
	case float64:
		if value != 0 {
			return "True"
		}
	}
	return "False"
}

func firstString(v interface{}) string {
	if list, ok := v.([]interface{}); ok && len(list) > 0 {
		s, _ := list[0].(string)
		return s
	}
	return ""
}

// regeneratePresignedURL refreshes a cached presigned download URL for an
// extra file when the row asks for it with the "regenerate" sentinel or when
// the cached URL is older than the presign expiry. The fresh URL is written
// back under a row lock so concurrent views do not race each other.
func (b *Backend) regeneratePresignedURL(ctx context.Context, item map[string]interface{}, row *datasetRow, fileKey, urlKey, subKey string) {
	url, _ := item[urlKey].(string)
	if url == "" {
		return
	}
	if url != "regenerate" && !presignedURLExpired(url) {
		return
	}
	fileName := firstString(item[fileKey])
	if fileName == "" || b.kssDriver == nil {
		return
	}

	key := strings.Join([]string{row.ownerGroup, row.datasetID, subKey, fileName}, "/")
	fresh, err := b.kssDriver.GetPreSignedURL(kss.Get, key, presignExpiry)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warningf("Error 4001: cannot presign %s for dataset %s", subKey, row.datasetID)
		return
	}

	if err := b.storeExtraColumn(row.id, urlKey, fresh); err != nil {
		logger.FromContext(ctx).WithError(err).Warningf("Error 4002: cannot store presigned url for dataset %s", row.datasetID)
		return
	}
	item[urlKey] = fresh
}

// presignedURLExpired reports whether a presigned URL's signing date is older
// than the presign expiry. URLs without a parsable signing date count as
// expired.
func presignedURLExpired(url string) bool {
	parts := strings.Split(url, "X-Amz-Date=")
	if len(parts) < 2 {
		return true
	}
	stamp := strings.Split(parts[1], "&")[0]
	at, err := time.Parse("20060102T150405Z", stamp)
	if err != nil {
		return true
	}
	return at.Add(presignExpiry).Before(time.Now().UTC())
}

// storeExtraColumn writes one extended attribute of a dataset under a row
// lock.
func (b *Backend) storeExtraColumn(datasetID int64, key string, value interface{}) error {
	document, err := json.Marshal(value)
	if err != nil {
		return err
	}

	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lock := fmt.Sprintf(`SELECT id FROM %s.dataset WHERE id = $1 FOR UPDATE;`, b.db.Schema)
	var id int64
	if err := tx.QueryRow(lock, datasetID).Scan(&id); err != nil {
		return err
	}

	update := fmt.Sprintf(`UPDATE %s.dataset
SET extra_cols = jsonb_set(coalesce(extra_cols, '{}'::jsonb), '{%s}', $1::jsonb)
WHERE id = $2;`, b.db.Schema, key)
	if _, err := tx.Exec(update, document, datasetID); err != nil {
		return err
	}
	return tx.Commit()
}

// datasetShare shares or unshares datasets with another group. The operation
// and its targets are passed as query parameters:
//
//	/api/datasets?arg=addGroup&project=P&dataset=d1,d2&group=NAME
//
// "ALL" as group name makes the datasets public respectively private again.
func (b *Backend) datasetShare(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	arg := r.URL.Query().Get("arg")
	if arg != "addGroup" && arg != "removeGroup" && arg != "dataset" && arg != "group" {
		writeError(w, rlog, notAllowed("arg forbidden"))
		return
	}

	userGroupID, ok, err := b.groupID(b.db, auth.PrimaryGroup())
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	if !ok {
		writeError(w, rlog, notFound("group not found"))
		return
	}

	projectID := r.URL.Query().Get("project")
	policy, err := b.loadProjectPolicy(b.db, projectID)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	if policy == nil {
		writeError(w, rlog, notFound("project not found"))
		return
	}
	if !policy.visibilityChangeable {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"message": "dataset visibility is not changeable",
			"project": projectID,
		})
		return
	}

	groupName := r.URL.Query().Get("group")
	var shareGroupID int64
	if groupName != "ALL" {
		valid, err := b.groups.IsValidGroup(r.Context(), groupName)
		if err != nil {
			writeError(w, rlog, err)
			return
		}
		if !valid {
			writeError(w, rlog, invalidGroup(groupName))
			return
		}
		shareGroupID, err = b.ensureGroup(b.db, groupName)
		if err != nil {
			writeError(w, rlog, err)
			return
		}
		if shareGroupID == userGroupID {
			writeError(w, rlog, notAllowed("group is owner"))
			return
		}
	}

	for _, datasetID := range strings.Split(r.URL.Query().Get("dataset"), ",") {
		err := b.shareOneDataset(arg, projectID, datasetID, groupName, userGroupID, shareGroupID)
		if err != nil {
			writeError(w, rlog, err)
			return
		}
	}

	b.recordHistory(r.Context(), auth, "share", r.URL.Query().Get("dataset"), r.URL.Path, r.Method, r.URL.Query())
	writeMessage(w, http.StatusOK, "groups updated")
}

func (b *Backend) shareOneDataset(arg, projectID, datasetID, groupName string, userGroupID, shareGroupID int64) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`SELECT d.id, d.shared_with, d.private FROM %[1]s.dataset d
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
JOIN %[1]s.project p ON p.id = d.project_id
WHERE og.group_id = $1 AND p.project_id = $2 AND d.dataset_id = $3
FOR UPDATE OF d;`, b.db.Schema)

	var id int64
	var shared pq.Int64Array
	var private bool
	err = tx.QueryRow(query, userGroupID, projectID, datasetID).Scan(&id, &shared, &private)
	if err == sql.ErrNoRows {
		return notFound("dataset not exist")
	}
	if err != nil {
		return err
	}

	switch {
	case groupName == "ALL":
		shared = nil
		private = arg == "removeGroup"

	case arg == "addGroup":
		if containsID(shared, shareGroupID) {
			return nil
		}
		private = true
		shared = append(shared, shareGroupID)

	case arg == "removeGroup":
		if !containsID(shared, shareGroupID) {
			return nil
		}
		shared = removeID(shared, shareGroupID)
	}

	update := fmt.Sprintf(`UPDATE %s.dataset SET shared_with = $1, private = $2 WHERE id = $3;`, b.db.Schema)
	if _, err := tx.Exec(update, pq.Array([]int64(shared)), private, id); err != nil {
		return err
	}

	// sharing on the file level mirrors the dataset
	mirror := fmt.Sprintf(`UPDATE %s.file SET shared_with = $1 WHERE dataset_id = $2;`, b.db.Schema)
	if _, err := tx.Exec(mirror, pq.Array([]int64(shared)), id); err != nil {
		return err
	}
	return tx.Commit()
}

func containsID(list []int64, id int64) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(list []int64, id int64) []int64 {
	result := make([]int64, 0, len(list))
	for _, v := range list {
		if v != id {
			result = append(result, v)
		}
	}
	return result
}

var datasetListSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"project_id": map[string]interface{}{"type": "string"},
		"dataset_id": map[string]interface{}{"type": "string"},
	},
	"required":             []interface{}{"project_id", "dataset_id"},
	"additionalProperties": false,
}

// datasetList returns the sorted external dataset ids the caller's group
// owns within one project, filtered by a dataset id substring.
func (b *Backend) datasetList(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	groupID, ok, err := b.groupID(b.db, auth.PrimaryGroup())
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	if !ok {
		writeError(w, rlog, notFound("group not exist"))
		return
	}

	body, _ := io.ReadAll(r.Body)
	var query map[string]interface{}
	if err := json.Unmarshal(body, &query); err != nil {
		writeError(w, rlog, wrongSchema("request body is not valid JSON"))
		return
	}
	if err := schema.ValidateDocument(query, datasetListSchema); err != nil {
		writeError(w, rlog, wrongSchema("%s", err))
		return
	}

	projectID, _ := query["project_id"].(string)
	search, _ := query["dataset_id"].(string)

	statement := fmt.Sprintf(`SELECT d.dataset_id FROM %[1]s.dataset d
JOIN %[1]s.project p ON p.id = d.project_id
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
WHERE p.project_id = $1 AND og.group_id = $2 AND d.dataset_id LIKE $3;`, b.db.Schema)

	rows, err := b.db.Query(statement, projectID, groupID, "%"+search+"%")
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	defer rows.Close()

	var datasets []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			writeError(w, rlog, err)
			return
		}
		datasets = append(datasets, id)
	}
	if err := rows.Err(); err != nil {
		writeError(w, rlog, err)
		return
	}

	if len(datasets) == 0 {
		writeError(w, rlog, notFound("no access to that project or the project has no datasets yet"))
		return
	}
	sort.Strings(datasets)
	writeJSON(w, http.StatusOK, datasets)
}

var datasetUpdatableFields = []string{
	"project_id", "name", "submitter_name",
	"disease", "treatment", "molecularInfo", "dataType", "sampleType",
	"valueType", "platform", "genomeAssembly", "annotation",
	"samplesCount", "featuresCount", "featuresID",
	"healthyControllsIncluded", "additionalInfo", "contact", "tags",
	"visibility", "clinical_presigned_url", "policy_presigned_url",
}

var datasetExtraUpdateFields = map[string]bool{
	"disease": true, "treatment": true, "molecularInfo": true,
	"dataType": true, "sampleType": true, "valueType": true,
	"platform": true, "genomeAssembly": true, "annotation": true,
	"samplesCount": true, "featuresCount": true, "featuresID": true,
	"healthyControllsIncluded": true, "additionalInfo": true,
	"contact": true, "tags": true,
	"clinical_presigned_url": true, "policy_presigned_url": true,
}

type lockedDataset struct {
	id        int64
	projectID sql.NullInt64
	private   bool
	extraCols []byte
}

// datasetAdminUpdate applies one field change to a set of datasets. Changing
// the parent project or the visibility is gated by the project's rules.
func (b *Backend) datasetAdminUpdate(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorizeAdmin(r, "update a dataset")
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	req, err := parseAdminUpdate(r, datasetUpdatableFields, func(properties map[string]interface{}, field string) {
		valueProperty := properties["value"].(map[string]interface{})
		switch field {
		case "samplesCount", "featuresCount":
			valueProperty["pattern"] = `^\d+$`
		case "visibility":
			valueProperty["enum"] = VisibilitySelection
		case "healthyControllsIncluded":
			valueProperty["enum"] = []string{"True", "False"}
		}
	})
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	if strings.Contains(req.Field, "presigned_url") && req.Value != "regenerate" {
		writeError(w, rlog, &Error{
			Status:  http.StatusServiceUnavailable,
			Message: "enter regenerate to renew the presigned url",
		})
		return
	}

	tx, err := b.db.Begin()
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	defer tx.Rollback()

	lock := fmt.Sprintf(`SELECT id, project_id, private, extra_cols FROM %s.dataset
WHERE id = ANY($1) FOR UPDATE;`, b.db.Schema)
	lockedRows, err := tx.Query(lock, pq.Array(req.DBRowIDs))
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	var datasets []lockedDataset
	for lockedRows.Next() {
		var d lockedDataset
		if err := lockedRows.Scan(&d.id, &d.projectID, &d.private, &d.extraCols); err != nil {
			lockedRows.Close()
			writeError(w, rlog, err)
			return
		}
		datasets = append(datasets, d)
	}
	lockedRows.Close()
	if len(datasets) == 0 {
		writeError(w, rlog, notFound("dataset not found"))
		return
	}

	if datasetExtraUpdateFields[req.Field] {
		err = b.updateDatasetExtraColumn(tx, datasets, req.Field, req.Value)
	} else {
		err = b.updateDatasetColumn(tx, datasets, req.Field, req.Value)
	}
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	if err := tx.Commit(); err != nil {
		writeError(w, rlog, err)
		return
	}

	b.recordHistory(r.Context(), auth, "update", req.Field, r.URL.Path, r.Method, req)
	writeMessage(w, http.StatusOK, "dataset updated")
}

func (b *Backend) updateDatasetExtraColumn(tx *sql.Tx, datasets []lockedDataset, field, value string) error {
	var newValue interface{} = value
	if value == "True" || value == "False" {
		newValue = value == "True"
	}

	if field == "disease" {
		for _, d := range datasets {
			if !d.projectID.Valid {
				continue
			}
			policy, err := b.loadProjectPolicyByRowID(tx, d.projectID.Int64)
			if err != nil {
				return err
			}
			if policy == nil {
				continue
			}
			if !containsString(policy.allowedDiseases(), value) {
				return wrongSchema("%s not allowed for the project %s, please select one of the following: %s",
					value, policy.externalID, strings.Join(policy.allowedDiseases(), ","))
			}
		}
	}

	document, err := json.Marshal(newValue)
	if err != nil {
		return err
	}
	update := fmt.Sprintf(`UPDATE %s.dataset
SET extra_cols = jsonb_set(coalesce(extra_cols, '{}'::jsonb), '{%s}', $1::jsonb)
WHERE id = ANY($2);`, b.db.Schema, field)
	_, err = tx.Exec(update, document, pq.Array(datasetIDs(datasets)))
	return err
}

func (b *Backend) updateDatasetColumn(tx *sql.Tx, datasets []lockedDataset, field, value string) error {
	switch field {
	case "project_id":
		return b.reassignDatasets(tx, datasets, value)

	case "visibility":
		for _, d := range datasets {
			if d.projectID.Valid {
				policy, err := b.loadProjectPolicyByRowID(tx, d.projectID.Int64)
				if err != nil {
					return err
				}
				if policy != nil && !policy.visibilityChangeable {
					return wrongSchema("Cannot change the visibility of the dataset for the project %s", policy.externalID)
				}
			}
		}
		update := fmt.Sprintf(`UPDATE %s.dataset SET private = $1 WHERE id = ANY($2);`, b.db.Schema)
		_, err := tx.Exec(update, value == "private", pq.Array(datasetIDs(datasets)))
		return err

	default: // name, submitter_name
		update := fmt.Sprintf(`UPDATE %s.dataset SET %s = $1 WHERE id = ANY($2);`, b.db.Schema, field)
		_, err := tx.Exec(update, value, pq.Array(datasetIDs(datasets)))
		return err
	}
}

// reassignDatasets moves orphaned datasets under a project. Only datasets
// without a parent can move, and the target project has to accept the
// dataset's disease and visibility.
func (b *Backend) reassignDatasets(tx *sql.Tx, datasets []lockedDataset, projectID string) error {
	policy, err := b.loadProjectPolicy(tx, projectID)
	if err != nil {
		return err
	}
	if policy == nil {
		return wrongSchema("Project not found")
	}

	for _, d := range datasets {
		if d.projectID.Valid {
			return wrongSchema("Cannot change project_id")
		}

		extra := map[string]interface{}{}
		json.Unmarshal(d.extraCols, &extra)
		disease, _ := extra["disease"].(string)

		if !strings.Contains(policy.diseases, disease) {
			return wrongSchema("Cannot assign the dataset to the project %s, because the disease %s is not allowed, please first update the disease to one of the following: %s",
				projectID, disease, policy.diseases)
		}

		if !policy.visibilityChangeable {
			hasToBePrivate := policy.visibilityDefault == "private"
			if hasToBePrivate != d.private {
				return wrongSchema("Cannot assign the dataset to the project %s, because the project requires the visibility %s",
					projectID, policy.visibilityDefault)
			}
		}
	}

	update := fmt.Sprintf(`UPDATE %s.dataset SET project_id = $1 WHERE id = ANY($2);`, b.db.Schema)
	_, err = tx.Exec(update, policy.id, pq.Array(datasetIDs(datasets)))
	return err
}

// loadProjectPolicyByRowID resolves a project by its row id.
func (b *Backend) loadProjectPolicyByRowID(q querier, id int64) (*projectPolicy, error) {
	query := fmt.Sprintf(`SELECT project_id, extra_cols FROM %s.project WHERE id = $1;`, b.db.Schema)

	var projectID string
	var extraCols []byte
	err := q.QueryRow(query, id).Scan(&projectID, &extraCols)
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
	policy := &projectPolicy{id: id, externalID: projectID, extraCols: extra}
	policy.diseases, _ = extra["diseases"].(string)
	policy.visibilityDefault, _ = extra["dataset_visibility_default"].(string)
	policy.visibilityChangeable, _ = extra["dataset_visibility_changeable"].(bool)
	policy.fileDownloadAllowed, _ = extra["file_dl_allowed"].(bool)
	return policy, nil
}

func datasetIDs(datasets []lockedDataset) []int64 {
	ids := make([]int64, len(datasets))
	for i, d := range datasets {
		ids[i] = d.id
	}
	return ids
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// datasetViewCols returns the dataset view table columns.
func (b *Backend) datasetViewCols(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	if _, apiErr := authorize(r); apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"headers": b.descriptors.DatasetView.Columns})
}

// datasetAdminViewCols returns the dataset view columns for the admin table,
// with the leading owner checkbox replaced by the raw row id.
func (b *Backend) datasetAdminViewCols(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}
	if !auth.IsAdmin() {
		writeError(w, rlog, notAllowed("endpoint only for admins"))
		return
	}

	columns := make([]ViewColumn, len(b.descriptors.DatasetView.Columns))
	copy(columns, b.descriptors.DatasetView.Columns)
	columns[0] = ViewColumn{ID: "id", Header: "id"}
	writeJSON(w, http.StatusOK, map[string]interface{}{"headers": columns})
}

var datasetSubmissionColsSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"project_id": map[string]interface{}{"type": "string"},
	},
	"required":             []interface{}{"project_id"},
	"additionalProperties": false,
}

// datasetSubmissionCols returns the dataset submission form fields with the
// disease and visibility selections derived from the chosen project.
func (b *Backend) datasetSubmissionCols(w http.ResponseWriter, r *http.Request) {
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

	body, _ := io.ReadAll(r.Body)
	var query map[string]interface{}
	if err := json.Unmarshal(body, &query); err != nil {
		writeError(w, rlog, wrongSchema("request body is not valid JSON"))
		return
	}
	if err := schema.ValidateDocument(query, datasetSubmissionColsSchema); err != nil {
		writeError(w, rlog, wrongSchema("%s", err))
		return
	}
	projectID, _ := query["project_id"].(string)

	statement := fmt.Sprintf(`SELECT extra_cols FROM %s.project
WHERE project_id = $1 AND owners @> $2;`, b.db.Schema)
	var extraCols []byte
	err = b.db.QueryRow(statement, projectID, pq.Array([]int64{groupID})).Scan(&extraCols)
	if err == sql.ErrNoRows {
		writeError(w, rlog, notFound("no access to that project"))
		return
	}
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	extra := map[string]interface{}{}
	json.Unmarshal(extraCols, &extra)
	diseases, _ := extra["diseases"].(string)
	visibilityDefault, _ := extra["dataset_visibility_default"].(string)
	visibilityChangeable, _ := extra["dataset_visibility_changeable"].(bool)

	fields := b.descriptors.DatasetSubmission.Fields
	headers := make([]SubmissionField, len(fields))
	copy(headers, fields)
	for i, field := range headers {
		switch field.ID {
		case "disease":
			headers[i].AllowedValues = append([]string{"select", "healthy control"}, strings.Split(diseases, ",")...)
		case "visibility":
			options := []string{visibilityDefault}
			if visibilityChangeable {
				if visibilityDefault == "visible to all" {
					options = append(options, "private")
				} else {
					options = append(options, "visible to all")
				}
			}
			headers[i].AllowedValues = options
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "column options returned",
		"headers": headers,
	})
}

var extraFileFinishSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"aws_key": map[string]interface{}{"type": "string", "minLength": 1},
	},
	"required":             []interface{}{"aws_key"},
	"additionalProperties": false,
}

// datasetExtraFileUploadFinish records a finished data policy or clinical
// file upload in the dataset's extended attributes. It is called once per
// uploaded file.
func (b *Backend) datasetExtraFileUploadFinish(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	// a group unknown to the database has never uploaded anything, so it
	// cannot finish an upload either
	groupID, ok, err := b.groupID(b.db, auth.PrimaryGroup())
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	if !ok {
		writeError(w, rlog, notAllowed("user not authorized"))
		return
	}

	body, _ := io.ReadAll(r.Body)
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		writeError(w, rlog, wrongSchema("request body is not valid JSON"))
		return
	}
	if err := schema.ValidateDocument(data, extraFileFinishSchema); err != nil {
		writeError(w, rlog, wrongSchema("%s", err))
		return
	}

	awsKey, _ := data["aws_key"].(string)
	parts := strings.Split(awsKey, "/")
	if len(parts) != 4 {
		writeError(w, rlog, wrongSchema("invalid aws_key"))
		return
	}
	kcGroup, datasetID, subKey, fileName := parts[0], parts[1], parts[2], parts[3]

	if kcGroup != auth.PrimaryGroup() {
		writeError(w, rlog, notAllowed("group name does not match"))
		return
	}
	column, ok := extraFileColumns[subKey]
	if !ok {
		writeError(w, rlog, wrongSchema("invalid aws_key"))
		return
	}

	tx, err := b.db.Begin()
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`SELECT d.id FROM %[1]s.dataset d
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
WHERE og.group_id = $1 AND d.dataset_id = $2
FOR UPDATE OF d;`, b.db.Schema)

	var id int64
	err = tx.QueryRow(query, groupID, datasetID).Scan(&id)
	if err == sql.ErrNoRows {
		writeError(w, rlog, notFound("dataset does not exist"))
		return
	}
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	document, _ := json.Marshal([]string{fileName})
	update := fmt.Sprintf(`UPDATE %s.dataset
SET extra_cols = jsonb_set(coalesce(extra_cols, '{}'::jsonb), '{%s}', $1::jsonb)
WHERE id = $2;`, b.db.Schema, column)
	if _, err := tx.Exec(update, document, id); err != nil {
		writeError(w, rlog, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, rlog, err)
		return
	}

	b.recordHistory(r.Context(), auth, "upload", datasetID, r.URL.Path, r.Method, data)
	writeMessage(w, http.StatusOK, "File upload finished")
}

var extraFileDownloadSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"datasetId": map[string]interface{}{"type": "integer"},
		"fileType":  map[string]interface{}{"type": "string", "enum": []string{"dataPolicy", "clinical"}},
	},
	"required":             []interface{}{"datasetId", "fileType"},
	"additionalProperties": false,
}

// datasetExtraFileDownload presigns a download URL for a dataset's data
// policy or clinical file.
func (b *Backend) datasetExtraFileDownload(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	groupID, ok, err := b.groupID(b.db, auth.PrimaryGroup())
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	if !ok {
		writeError(w, rlog, notAllowed("user not authorized"))
		return
	}

	body, _ := io.ReadAll(r.Body)
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		writeError(w, rlog, wrongSchema("request body is not valid JSON"))
		return
	}
	if err := schema.ValidateDocument(data, extraFileDownloadSchema); err != nil {
		writeError(w, rlog, wrongSchema("%s", err))
		return
	}

	datasetRowID := int64(data["datasetId"].(float64))
	fileType := data["fileType"].(string)
	column := extraFileColumns[fileType]

	query := fmt.Sprintf(`SELECT d.dataset_id, d.extra_cols, g.kc_groupname FROM %[1]s.dataset d
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
JOIN %[1]s."group" g ON g.id = og.group_id
WHERE d.id = $1 AND (og.group_id = $2 OR d.shared_with @> $3 OR d.private = false);`, b.db.Schema)

	var datasetID, ownerGroup string
	var extraCols []byte
	err = b.db.QueryRow(query, datasetRowID, groupID, pq.Array([]int64{groupID})).
		Scan(&datasetID, &extraCols, &ownerGroup)
	if err == sql.ErrNoRows {
		writeError(w, rlog, notFound("dataset does not exist"))
		return
	}
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	extra := map[string]interface{}{}
	json.Unmarshal(extraCols, &extra)
	fileName := firstString(extra[column])
	if fileName == "" {
		writeError(w, rlog, notFound("file does not exist"))
		return
	}

	key := strings.Join([]string{ownerGroup, datasetID, fileType, fileName}, "/")
	url, err := b.presignGet(key, time.Hour)
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	message := "Policy data url created"
	if fileType == "clinical" {
		message = "Clinical data url created"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":       message,
		"presigned_url": url,
	})
}
