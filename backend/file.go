package backend

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/omicsdm/server/core/logger"
	"github.com/omicsdm/server/core/schema"
)

const uploadVersionMarker = "_uploadedVersion_"

// fileSubmissionFields are the fields of the file upload form.
var fileSubmissionFields = []SubmissionField{
	{ID: "projectId", Label: "Project ID", Mandatory: true},
	{ID: "DatasetID", Label: "Dataset ID", Mandatory: true},
	{ID: "file", Label: "File", Mandatory: true},
	{ID: "fileName", Label: "File Name", Mandatory: true},
	{ID: "Comment", Label: "Comment", Mandatory: true},
}

func (b *Backend) createFileRoutes(router *mux.Router) {
	router.HandleFunc("", b.fileSignRequest).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/", b.fileSignRequest).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/startupload", b.fileStartUpload).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/finishupload", b.fileFinishUpload).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/download", b.fileDownload).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/disable", b.fileDisable).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/all", b.fileAll).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/admin/view", b.fileAdminView).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/admin/update", b.fileAdminUpdate).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/viewcols", b.fileViewCols).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/adminviewcols", b.fileAdminViewCols).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/submissioncols", b.fileSubmissionCols).Methods(http.MethodGet, http.MethodOptions)
}

// versionedFileName renders the object storage name a file version is stored
// under.
func versionedFileName(name string, version int64) string {
	extension := ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		extension = name[i+1:]
	}
	return fmt.Sprintf("%s%s%d.%s", name, uploadVersionMarker, version, extension)
}

// splitVersionedFileName is the inverse of versionedFileName.
func splitVersionedFileName(versioned string) (name string, version int64, ok bool) {
	i := strings.LastIndex(versioned, uploadVersionMarker)
	if i < 0 {
		return "", 0, false
	}
	name = versioned[:i]
	rest := versioned[i+len(uploadVersionMarker):]
	version, err := strconv.ParseInt(strings.SplitN(rest, ".", 2)[0], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return name, version, true
}

// fileSignRequest signs a multipart upload request from the browser. The
// string to sign carries the object storage key, which is verified against
// the caller's group and datasets before signing, an intercepted upload URL
// must not allow writing into foreign datasets or overwriting finished
// uploads.
func (b *Backend) fileSignRequest(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	signError := func(message string) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": message})
	}

	groupID, ok, err := b.groupID(b.db, auth.PrimaryGroup())
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	if !ok {
		signError("invalid group")
		return
	}

	toSign := r.URL.Query().Get("to_sign")
	tokens := strings.Fields(toSign)
	if len(tokens) == 0 {
		signError("invalid key")
		return
	}
	// the last token of the string to sign is the canonical resource,
	// /bucket/group/dataset/file
	keyParts := strings.Split(tokens[len(tokens)-1], "/")
	if len(keyParts) < 5 {
		signError("invalid key")
		return
	}
	keyParts = keyParts[1:]

	if keyParts[0] != b.uploadBucket {
		signError("invalid bucket")
		return
	}
	if keyParts[1] != auth.PrimaryGroup() {
		signError("invalid data owner")
		return
	}

	query := fmt.Sprintf(`SELECT d.id FROM %[1]s.dataset d
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
WHERE og.group_id = $1 AND d.dataset_id = $2;`, b.db.Schema)
	var datasetID int64
	err = b.db.QueryRow(query, groupID, keyParts[2]).Scan(&datasetID)
	if err == sql.ErrNoRows {
		signError("invalid dataset")
		return
	}
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	if keyParts[3] != "dataPolicy" && keyParts[3] != "clinical" {
		name, version, ok := splitVersionedFileName(keyParts[3])
		if !ok {
			signError("invalid key")
			return
		}
		exists := fmt.Sprintf(`SELECT id FROM %s.file
WHERE dataset_id = $1 AND name = $2 AND version = $3 AND upload_finished;`, b.db.Schema)
		var fileID int64
		err = b.db.QueryRow(exists, datasetID, name, version).Scan(&fileID)
		if err == nil {
			signError("file already exists")
			return
		}
		if err != sql.ErrNoRows {
			writeError(w, rlog, err)
			return
		}
	}

	mac := hmac.New(sha1.New, b.signingSecret)
	mac.Write([]byte(toSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(signature))
}

var fileStartUploadSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"projectId": map[string]interface{}{"type": "string", "minLength": 1},
		"DatasetID": map[string]interface{}{"type": "string", "minLength": 1},
		"fileName":  map[string]interface{}{"type": "string", "minLength": 1},
		"Comment":   map[string]interface{}{"type": "string"},
		"file": map[string]interface{}{
			"type":     "array",
			"items":    map[string]interface{}{"type": "string"},
			"minItems": 1,
		},
	},
	"required":             []interface{}{"projectId", "DatasetID", "fileName", "Comment"},
	"additionalProperties": false,
}

// fileStartUpload stores the metadata of a data file before its content is
// uploaded. The returned key is where the browser uploads the file to, a
// later finishupload call marks the version live.
func (b *Backend) fileStartUpload(w http.ResponseWriter, r *http.Request) {
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
		writeError(w, rlog, notFound("user not authorized"))
		return
	}

	body, _ := io.ReadAll(r.Body)
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		writeError(w, rlog, wrongSchema("request body is not valid JSON"))
		return
	}
	if err := schema.ValidateDocument(data, fileStartUploadSchema); err != nil {
		writeError(w, rlog, wrongSchema("%s", err))
		return
	}

	fileName, _ := data["fileName"].(string)
	if strings.Contains(fileName, " ") {
		writeError(w, rlog, notAllowed("file %s contains spaces", fileName))
		return
	}
	extension := ""
	if i := strings.LastIndex(fileName, "."); i >= 0 {
		extension = fileName[i+1:]
	}
	if !containsString(AllowedFileExtensions, extension) {
		writeError(w, rlog, wrongSchema("file %s contains forbidden file extension", fileName))
		return
	}

	projectID, _ := data["projectId"].(string)
	datasetID, _ := data["DatasetID"].(string)

	query := fmt.Sprintf(`SELECT d.id, d.shared_with FROM %[1]s.dataset d
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
JOIN %[1]s.project p ON p.id = d.project_id
WHERE og.group_id = $1 AND p.project_id = $2 AND d.dataset_id = $3;`, b.db.Schema)

	var datasetRowID int64
	var sharedWith pq.Int64Array
	err = b.db.QueryRow(query, groupID, projectID, datasetID).Scan(&datasetRowID, &sharedWith)
	if err == sql.ErrNoRows {
		writeError(w, rlog, notFound("dataset does not exist"))
		return
	}
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	// the next version continues from the last finished upload, abandoned
	// uploads do not burn version numbers
	versionQuery := fmt.Sprintf(`SELECT version FROM %s.file
WHERE dataset_id = $1 AND name = $2 AND upload_finished
ORDER BY version DESC LIMIT 1;`, b.db.Schema)
	var version int64
	err = b.db.QueryRow(versionQuery, datasetRowID, fileName).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		writeError(w, rlog, err)
		return
	}
	version++

	comment, _ := data["Comment"].(string)
	extraCols, _ := json.Marshal(map[string]string{"Comment": strings.TrimSpace(comment)})

	insert := fmt.Sprintf(`INSERT INTO %s.file
(dataset_id, name, version, enabled, upload_finished, shared_with, submitter_name, extra_cols)
VALUES ($1, $2, $3, true, false, $4, $5, $6);`, b.db.Schema)
	_, err = b.db.Exec(insert, datasetRowID, fileName, version,
		pq.Array([]int64(sharedWith)), auth.Name, extraCols)
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	awsKey := strings.Join([]string{
		auth.PrimaryGroup(), datasetID, versionedFileName(fileName, version),
	}, "/")

	b.recordHistory(r.Context(), auth, "upload", datasetID, r.URL.Path, r.Method, data)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "File metadata inserted in database",
		"awsKey":  awsKey,
	})
}

var fileFinishUploadSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"aws_key": map[string]interface{}{"type": "string", "minLength": 1},
	},
	"required":             []interface{}{"aws_key"},
	"additionalProperties": false,
}

// fileFinishUpload marks an uploaded file version live.
func (b *Backend) fileFinishUpload(w http.ResponseWriter, r *http.Request) {
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
	if err := schema.ValidateDocument(data, fileFinishUploadSchema); err != nil {
		writeError(w, rlog, wrongSchema("%s", err))
		return
	}

	awsKey, _ := data["aws_key"].(string)
	parts := strings.Split(awsKey, "/")
	if len(parts) != 3 {
		writeError(w, rlog, wrongSchema("invalid aws_key"))
		return
	}
	kcGroup, datasetID := parts[0], parts[1]
	if kcGroup != auth.PrimaryGroup() {
		writeError(w, rlog, notAllowed("group name does not match"))
		return
	}
	name, version, ok := splitVersionedFileName(parts[2])
	if !ok {
		writeError(w, rlog, wrongSchema("invalid aws_key"))
		return
	}

	query := fmt.Sprintf(`SELECT d.id FROM %[1]s.dataset d
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
WHERE og.group_id = $1 AND d.dataset_id = $2;`, b.db.Schema)
	var datasetRowID int64
	err = b.db.QueryRow(query, groupID, datasetID).Scan(&datasetRowID)
	if err == sql.ErrNoRows {
		writeError(w, rlog, notFound("dataset does not exist"))
		return
	}
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	fileQuery := fmt.Sprintf(`SELECT id FROM %s.file
WHERE dataset_id = $1 AND name = $2 AND version = $3
ORDER BY submission_date DESC LIMIT 1;`, b.db.Schema)
	var fileID int64
	err = b.db.QueryRow(fileQuery, datasetRowID, name, version).Scan(&fileID)
	if err == sql.ErrNoRows {
		writeError(w, rlog, notFound("file does not exist"))
		return
	}
	if err != nil {
		writeError(w, rlog, err)
		return
	}

	update := fmt.Sprintf(`UPDATE %s.file SET upload_finished = true WHERE id = $1;`, b.db.Schema)
	if _, err := b.db.Exec(update, fileID); err != nil {
		writeError(w, rlog, err)
		return
	}

	b.recordHistory(r.Context(), auth, "upload", datasetID, r.URL.Path, r.Method, data)
	writeMessage(w, http.StatusOK, "File upload finished")
}

var fileDownloadSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"file_ids": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "integer"},
		},
	},
	"required":             []interface{}{"file_ids"},
	"additionalProperties": false,
}

// fileDownload presigns download URLs for a list of files. Downloads are
// allowed for the owning group always, for everybody else only when the
// project permits file downloads.
func (b *Backend) fileDownload(w http.ResponseWriter, r *http.Request) {
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
	if err := schema.ValidateDocument(data, fileDownloadSchema); err != nil {
		writeError(w, rlog, wrongSchema("%s", err))
		return
	}

	query := fmt.Sprintf(`SELECT g.kc_groupname, d.dataset_id, v.name, v.version, p.extra_cols
FROM %[1]s.file v
JOIN %[1]s.dataset d ON d.id = v.dataset_id
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
JOIN %[1]s."group" g ON g.id = og.group_id
JOIN %[1]s.project p ON p.id = d.project_id
WHERE v.id = $1 AND v.enabled
AND (og.group_id = $2 OR v.shared_with @> $3 OR d.private = false);`, b.db.Schema)

	urls := map[string]string{}
	for _, raw := range data["file_ids"].([]interface{}) {
		fileID := int64(raw.(float64))

		var ownerGroup, datasetID, name string
		var version int64
		var extraCols []byte
		err := b.db.QueryRow(query, fileID, groupID, pq.Array([]int64{groupID})).
			Scan(&ownerGroup, &datasetID, &name, &version, &extraCols)
		if err == sql.ErrNoRows {
			writeError(w, rlog, notFound("file not found"))
			return
		}
		if err != nil {
			writeError(w, rlog, err)
			return
		}

		extra := map[string]interface{}{}
		json.Unmarshal(extraCols, &extra)
		downloadAllowed, _ := extra["file_dl_allowed"].(bool)

		url := "download forbidden"
		if downloadAllowed || ownerGroup == auth.PrimaryGroup() {
			key := strings.Join([]string{ownerGroup, datasetID, versionedFileName(name, version)}, "/")
			url, err = b.presignGet(key, time.Hour)
			if err != nil {
				writeError(w, rlog, err)
				return
			}
		}
		urls[strconv.FormatInt(fileID, 10)] = url
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":       "returned presigned urls",
		"presignedUrls": urls,
	})
}

var fileDisableSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"fileIds": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "integer"},
		},
	},
	"required":             []interface{}{"fileIds"},
	"additionalProperties": false,
}

// fileDisable hides files from all views. Only the owning group can disable
// its files, and only all requested files at once.
func (b *Backend) fileDisable(w http.ResponseWriter, r *http.Request) {
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
	if err := schema.ValidateDocument(data, fileDisableSchema); err != nil {
		writeError(w, rlog, wrongSchema("%s", err))
		return
	}

	rawIDs := data["fileIds"].([]interface{})
	fileIDs := make([]int64, len(rawIDs))
	for i, raw := range rawIDs {
		fileIDs[i] = int64(raw.(float64))
	}

	query := fmt.Sprintf(`SELECT v.id FROM %[1]s.file v
JOIN %[1]s.dataset d ON d.id = v.dataset_id
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
WHERE og.group_id = $1 AND v.id = ANY($2) AND v.enabled;`, b.db.Schema)
	rows, err := b.db.Query(query, groupID, pq.Array(fileIDs))
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	found := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			writeError(w, rlog, err)
			return
		}
		found++
	}
	rows.Close()
	if found != len(fileIDs) {
		writeError(w, rlog, notFound("at least one of the requested files was not found"))
		return
	}

	update := fmt.Sprintf(`UPDATE %s.file SET enabled = false WHERE id = ANY($1);`, b.db.Schema)
	if _, err := b.db.Exec(update, pq.Array(fileIDs)); err != nil {
		writeError(w, rlog, err)
		return
	}

	b.recordHistory(r.Context(), auth, "disable", fmt.Sprint(fileIDs), r.URL.Path, r.Method, data)
	writeMessage(w, http.StatusOK, "file(s) status changed")
}

// fileAll returns the page of files visible to the caller's group.
func (b *Backend) fileAll(w http.ResponseWriter, r *http.Request) {
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
	response, err := b.fileView(r.Context(), auth.PrimaryGroup(), false, req)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// fileAdminView returns a page of all files, without visibility scoping.
func (b *Backend) fileAdminView(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorize(r)
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}
	if !auth.IsAdmin() {
		writeError(w, rlog, notFound("Only admin users can view files"))
		return
	}

	req, err := parseViewRequest(r)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	response, err := b.fileView(r.Context(), auth.PrimaryGroup(), true, req)
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// fileView executes the tabular file query and expands each row into the
// shape the UI renders.
func (b *Backend) fileView(ctx context.Context, groupName string, admin bool, req *viewRequest) (*viewResponse, error) {
	q := b.newViewQuery(b.descriptors.FileView)

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

	statement := q.selectStatement(`v.id, v.name, v.version, v.shared_with, v.submitter_name,
v.submission_date, v.extra_cols, d.dataset_id, d.private, p.project_id, og.group_id, g.kc_groupname`,
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
		var (
			id             int64
			name           string
			version        int64
			sharedWith     pq.Int64Array
			submitterName  sql.NullString
			submissionDate time.Time
			extraCols      []byte
			datasetID      string
			private        bool
			projectID      sql.NullString
			ownerGroupID   int64
			ownerGroup     string
		)
		err := rows.Scan(&id, &name, &version, &sharedWith, &submitterName, &submissionDate,
			&extraCols, &datasetID, &private, &projectID, &ownerGroupID, &ownerGroup, &total)
		if err != nil {
			return nil, err
		}

		extra := map[string]interface{}{}
		json.Unmarshal(extraCols, &extra)
		comment, _ := extra["Comment"].(string)

		shared := []int64(sharedWith)
		if admin {
			shared = nil
		}
		label, err := b.sharedWithLabel(shared, ownerGroupID, callerGroupID, private, nameCache)
		if err != nil {
			return nil, err
		}

		items = append(items, map[string]interface{}{
			"id":             id,
			"name":           name,
			"version":        version,
			"dataset_id":     datasetID,
			"project_id":     projectID.String,
			"comment":        comment,
			"visibility":     visibilityString(private),
			"submitter_name": submitterName.String,
			"submit_date":    submissionDate.Format(submitDateFormat),
			"shared_with":    label,
			"owner":          ownerGroup,
			"isUserOwner":    ownerGroup == groupName,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	response := newViewResponse(req.Page, req.PageSize, total)
	response.Items = items
	return response, nil
}

// fileAdminUpdate changes the comment of a set of files.
func (b *Backend) fileAdminUpdate(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	auth, apiErr := authorizeAdmin(r, "update a file")
	if apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}

	req, err := parseAdminUpdate(r, []string{"comment"}, nil)
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

	lock := fmt.Sprintf(`SELECT id FROM %s.file WHERE id = ANY($1) FOR UPDATE;`, b.db.Schema)
	lockedRows, err := tx.Query(lock, pq.Array(req.DBRowIDs))
	if err != nil {
		writeError(w, rlog, err)
		return
	}
	var fileIDs []int64
	for lockedRows.Next() {
		var id int64
		if err := lockedRows.Scan(&id); err != nil {
			lockedRows.Close()
			writeError(w, rlog, err)
			return
		}
		fileIDs = append(fileIDs, id)
	}
	lockedRows.Close()
	if len(fileIDs) == 0 {
		writeError(w, rlog, notFound("file not found"))
		return
	}

	document, _ := json.Marshal(req.Value)
	update := fmt.Sprintf(`UPDATE %s.file
SET extra_cols = jsonb_set(coalesce(extra_cols, '{}'::jsonb), '{Comment}', $1::jsonb)
WHERE id = ANY($2);`, b.db.Schema)
	if _, err := tx.Exec(update, document, pq.Array(fileIDs)); err != nil {
		writeError(w, rlog, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, rlog, err)
		return
	}

	b.recordHistory(r.Context(), auth, "update", req.Field, r.URL.Path, r.Method, req)
	writeMessage(w, http.StatusOK, "File(s) updated")
}

// fileViewCols returns the file view table columns.
func (b *Backend) fileViewCols(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	if _, apiErr := authorize(r); apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"headers": b.descriptors.FileView.Columns})
}

// fileAdminViewCols returns the file view columns for the admin table.
func (b *Backend) fileAdminViewCols(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	if _, apiErr := authorize(r); apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}
	columns := make([]ViewColumn, len(b.descriptors.FileView.Columns))
	copy(columns, b.descriptors.FileView.Columns)
	columns[0] = ViewColumn{ID: "id", Header: "id"}
	writeJSON(w, http.StatusOK, map[string]interface{}{"headers": columns})
}

// fileSubmissionCols returns the file upload form fields.
func (b *Backend) fileSubmissionCols(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	if _, apiErr := authorize(r); apiErr != nil {
		writeError(w, rlog, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": fileSubmissionFields})
}
