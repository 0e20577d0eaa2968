package backend

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/omicsdm/server/core/schema"
)

// submitDateFormat is the timestamp format the UI sends and receives.
const submitDateFormat = "2006/01/02, 15:04:05"

// viewRequestSchema validates the generic page/sort/filter payload before any
// of it reaches the query builder.
var viewRequestSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"page":     map[string]interface{}{"type": "integer", "minimum": 1},
		"pageSize": map[string]interface{}{"type": "integer", "minimum": 1},
		"sorted": map[string]interface{}{
			"type": []interface{}{"array", "null"},
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id":   map[string]interface{}{"type": "string"},
					"desc": map[string]interface{}{"type": "boolean"},
				},
				"required": []interface{}{"id"},
			},
		},
		"filtered": map[string]interface{}{
			"type": []interface{}{"array", "null"},
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id":    map[string]interface{}{"type": "string"},
					"value": map[string]interface{}{"type": []interface{}{"string", "boolean", "number"}},
				},
				"required": []interface{}{"id", "value"},
			},
		},
	},
}

type sortSpec struct {
	ID   string `json:"id"`
	Desc bool   `json:"desc"`
}

type filterSpec struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value"`
}

// viewRequest is the generic tabular query payload sent by the UI.
type viewRequest struct {
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
	Sorted   []sortSpec   `json:"sorted"`
	Filtered []filterSpec `json:"filtered"`
}

type viewMeta struct {
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
}

// viewResponse is one page of a tabular view.
type viewResponse struct {
	Items []map[string]interface{} `json:"items"`
	Meta  viewMeta                 `json:"_meta"`
}

func newViewResponse(page, pageSize, totalItems int) *viewResponse {
	return &viewResponse{
		Items: []map[string]interface{}{},
		Meta: viewMeta{
			TotalItems: totalItems,
			TotalPages: int(math.Ceil(float64(totalItems) / float64(pageSize))),
			Page:       page,
			PageSize:   pageSize,
		},
	}
}

// parseViewRequest decodes and validates the request body. An empty body is
// treated as the default first page.
func parseViewRequest(r *http.Request) (*viewRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		body = []byte("{}")
	}

	var document interface{}
	if err := json.Unmarshal(body, &document); err != nil {
		return nil, wrongSchema("request body is not valid JSON")
	}
	if err := schema.ValidateDocument(document, viewRequestSchema); err != nil {
		return nil, wrongSchema("%s", err)
	}

	req := &viewRequest{Page: 1, PageSize: 100}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, wrongSchema("request body is not valid JSON")
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = 100
	}
	return req, nil
}

// viewQuery accumulates the WHERE conditions, the ORDER BY clause and the
// query parameters of one tabular view query.
type viewQuery struct {
	vd        ViewDescriptor
	sqlSchema string
	from      string
	where     []string
	order     string
	args      []interface{}
}

func (b *Backend) newViewQuery(vd ViewDescriptor) *viewQuery {
	q := &viewQuery{vd: vd, sqlSchema: b.db.Schema}
	switch vd.Kind {
	case KindProject:
		q.from = fmt.Sprintf(`%s.project v`, b.db.Schema)
	case KindDataset:
		q.from = fmt.Sprintf(`%[1]s.dataset v
JOIN %[1]s.dataset_group og ON og.dataset_id = v.id AND og."owner"
JOIN %[1]s."group" g ON g.id = og.group_id
LEFT JOIN %[1]s.project p ON p.id = v.project_id`, b.db.Schema)
	case KindFile:
		q.from = fmt.Sprintf(`%[1]s.file v
JOIN %[1]s.dataset d ON d.id = v.dataset_id
JOIN %[1]s.dataset_group og ON og.dataset_id = d.id AND og."owner"
JOIN %[1]s."group" g ON g.id = og.group_id
LEFT JOIN %[1]s.project p ON p.id = d.project_id`, b.db.Schema)
	}
	return q
}

// param adds v to the parameter list and returns its placeholder.
func (q *viewQuery) param(v interface{}) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *viewQuery) and(condition string) {
	q.where = append(q.where, condition)
}

// privateExpr is the column holding the effective visibility. Files derive
// theirs from the parent dataset.
func (q *viewQuery) privateExpr() string {
	if q.vd.Kind == KindFile {
		return "d.private"
	}
	return "v.private"
}

// datasetIDExpr is the column holding the external dataset identifier.
func (q *viewQuery) datasetIDExpr() string {
	if q.vd.Kind == KindFile {
		return "d.dataset_id"
	}
	return "v.dataset_id"
}

// projectRefExpr is the column holding the parent project's row id.
func (q *viewQuery) projectRefExpr() string {
	switch q.vd.Kind {
	case KindProject:
		return "v.id"
	case KindFile:
		return "d.project_id"
	}
	return "v.project_id"
}

// restrictVisibility limits the query to rows the caller's group may see:
// rows owned by the group, rows shared with it, and rows that are not
// private. Files additionally have to be enabled and fully uploaded.
func (q *viewQuery) restrictVisibility(groupID int64) {
	q.and(fmt.Sprintf("(og.group_id = %s OR v.shared_with @> %s OR %s = false)",
		q.param(groupID), q.param(pq.Array([]int64{groupID})), q.privateExpr()))
	if q.vd.Kind == KindFile {
		q.and("v.upload_finished = true")
		q.and("v.enabled = true")
	}
}

var intValuePattern = regexp.MustCompile(`^[-+]?\d+$`)

// normalizeFilterValue maps the UI's "True"/"False" strings to booleans.
func normalizeFilterValue(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		if s == "True" {
			return true
		}
		if s == "False" {
			return false
		}
	}
	return v
}

// columnExpr resolves a request column id to its SQL expression. The owner
// checkbox resolves to the owning group's name, extended attributes to the
// sentinel "extra_cols".
func (q *viewQuery) columnExpr(id string) (string, error) {
	if id == "checkbox" || id == "owner" {
		if q.vd.Kind == KindProject {
			return "", unknownField(id)
		}
		return "g.kc_groupname", nil
	}
	if _, ok := q.vd.isExtraColumn(id); ok {
		return "extra_cols", nil
	}
	if col, ok := q.vd.ColumnMapping[id]; ok {
		return "v." + col, nil
	}
	if id == "project_id" {
		return q.projectRefExpr(), nil
	}
	return "", unknownField(id)
}

// applyFilters translates the filter list into WHERE conditions. All filters
// are ANDed. The special columns (sharing, visibility, identifiers, the
// submission date and the extended attributes) have their own semantics,
// everything else is a case insensitive substring match.
func (q *viewQuery) applyFilters(filtered []filterSpec) error {
	for _, f := range filtered {
		value := normalizeFilterValue(f.Value)

		if f.ID == "shared_with" {
			if err := q.filterBySharedWith(value); err != nil {
				return err
			}
			continue
		}

		if f.ID == "visibility" {
			private := value == "private"
			q.and(fmt.Sprintf("%s = %s", q.privateExpr(), q.param(private)))
			continue
		}

		col := ""
		if !(f.ID == "project_id" && q.vd.Kind == KindFile) {
			var err error
			col, err = q.columnExpr(f.ID)
			if err != nil {
				return err
			}
		}

		if err := q.vd.checkValueType(f.ID, value); err != nil {
			return err
		}

		switch f.ID {
		case "id", "project_id", "dataset_id":
			if err := q.filterByIdentifier(f.ID, value); err != nil {
				return err
			}
			continue
		case "submit_date":
			if err := q.filterBySubmitDate(col, value); err != nil {
				return err
			}
			continue
		}

		stringValue, isString := value.(string)
		isInt := isString && intValuePattern.MatchString(stringValue)

		if col == "extra_cols" {
			key := q.vd.ExtraColumns[f.ID]
			if _, isBool := value.(bool); isBool || isInt {
				document, _ := json.Marshal(map[string]interface{}{key: value})
				q.and(fmt.Sprintf("v.extra_cols @> %s::jsonb", q.param(string(document))))
				continue
			}
			q.and(fmt.Sprintf("v.extra_cols ->> %s LIKE %s",
				q.param(key), q.param("%"+fmt.Sprintf("%v", value)+"%")))
			continue
		}

		if isInt {
			q.and(fmt.Sprintf("%s = %s", col, q.param(stringValue)))
			continue
		}

		if isString {
			if values := strings.Split(stringValue, ","); len(values) > 1 {
				placeholders := make([]string, len(values))
				for i, v := range values {
					placeholders[i] = q.param(v)
				}
				q.and(fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")))
				continue
			}
		}

		q.and(fmt.Sprintf("%s ILIKE %s", col, q.param("%"+fmt.Sprintf("%v", value)+"%")))
	}
	return nil
}

// filterBySharedWith filters by the sharing state: "ALL GROUPS" selects
// public rows, "None" private unshared rows, a group name selects private
// rows shared with that group.
func (q *viewQuery) filterBySharedWith(value interface{}) error {
	name, ok := value.(string)
	if !ok {
		return wrongSchema("%s is not allowed for shared_with", jsonTypeName(value))
	}

	sharedExpr := "v.shared_with"
	if q.vd.Kind == KindFile {
		sharedExpr = "d.shared_with"
	}

	private := name != "ALL GROUPS"
	q.and(fmt.Sprintf("%s = %s", q.privateExpr(), q.param(private)))

	if name != "ALL GROUPS" && name != "None" {
		subquery := fmt.Sprintf(`SELECT ARRAY[id] FROM %s."group" WHERE kc_groupname = %s`,
			q.sqlSchema, q.param(name))
		q.and(fmt.Sprintf("%s @> (%s)", sharedExpr, subquery))
	}
	return nil
}

// filterByIdentifier filters by row id, external dataset id or external
// project id. Project identifiers may contain '*' wildcards and all three
// accept comma separated lists.
func (q *viewQuery) filterByIdentifier(id string, value interface{}) error {
	switch id {
	case "id":
		// a plain row id filter only exists on the file level
		if q.vd.Kind != KindFile {
			return nil
		}
		var ids []int64
		switch v := value.(type) {
		case float64:
			ids = []int64{int64(v)}
		case string:
			for _, part := range strings.Split(v, ",") {
				n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
				if err != nil {
					return wrongSchema("%s is not a valid id", part)
				}
				ids = append(ids, n)
			}
		}
		q.and(fmt.Sprintf("v.id = ANY(%s)", q.param(pq.Array(ids))))

	case "dataset_id":
		values, err := stringList(value, id)
		if err != nil {
			return err
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = q.param(v)
		}
		q.and(fmt.Sprintf("%s IN (%s)", q.datasetIDExpr(), strings.Join(placeholders, ", ")))

	case "project_id":
		values, err := stringList(value, id)
		if err != nil {
			return err
		}
		conditions := make([]string, len(values))
		for i, v := range values {
			if strings.Contains(v, "*") {
				conditions[i] = fmt.Sprintf("project_id ILIKE %s", q.param(strings.ReplaceAll(v, "*", "%")))
			} else {
				conditions[i] = fmt.Sprintf("project_id = %s", q.param(v))
			}
		}
		subquery := fmt.Sprintf(`SELECT id FROM %s.project WHERE %s`,
			q.sqlSchema, strings.Join(conditions, " OR "))
		q.and(fmt.Sprintf("%s IN (%s)", q.projectRefExpr(), subquery))
	}
	return nil
}

func stringList(value interface{}, id string) ([]string, error) {
	s, ok := value.(string)
	if !ok {
		return nil, wrongSchema("%s is not allowed for %s", jsonTypeName(value), id)
	}
	return strings.Split(s, ","), nil
}

// filterBySubmitDate filters by a day ("2006/01/02") or by an exact second
// ("2006/01/02, 15:04:05").
func (q *viewQuery) filterBySubmitDate(col string, value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return wrongSchema("%s is not allowed for submit_date", jsonTypeName(value))
	}

	if !strings.Contains(s, ",") {
		day, err := time.Parse("2006/01/02", s)
		if err != nil {
			return wrongSchema("%s is not a valid timestamp", s)
		}
		q.and(fmt.Sprintf("%s BETWEEN %s AND %s",
			col, q.param(day), q.param(day.Add(24*time.Hour-time.Second))))
		return nil
	}

	at, err := time.Parse(submitDateFormat, s)
	if err != nil {
		return wrongSchema("%s is not a valid timestamp", s)
	}
	q.and(fmt.Sprintf("%s BETWEEN %s AND %s",
		col, q.param(at), q.param(at.Add(time.Second))))
	return nil
}

// applySort translates the sort request into an ORDER BY clause. Only the
// first sort column is honored.
func (q *viewQuery) applySort(sorted []sortSpec) error {
	if len(sorted) == 0 {
		return nil
	}
	s := sorted[0]

	col, err := q.columnExpr(s.ID)
	if err != nil {
		return err
	}
	if s.ID == "dataset_id" {
		col = q.datasetIDExpr()
	}
	if col == "extra_cols" {
		col = fmt.Sprintf("v.extra_cols -> '%s'", q.vd.ExtraColumns[s.ID])
	}

	direction := "ASC"
	if s.Desc {
		direction = "DESC"
	}
	q.order = fmt.Sprintf("%s %s", col, direction)
	return nil
}

// selectStatement renders the full paged query. Every row additionally
// carries the unpaged total via a window aggregate, a second count query is
// not needed.
func (q *viewQuery) selectStatement(columns string, page, pageSize int) string {
	statement := fmt.Sprintf("SELECT %s, count(*) OVER() AS total_items FROM %s", columns, q.from)
	if len(q.where) > 0 {
		statement += " WHERE " + strings.Join(q.where, " AND ")
	}
	if q.order != "" {
		statement += " ORDER BY " + q.order
	}
	statement += fmt.Sprintf(" OFFSET %s LIMIT %s;",
		q.param((page-1)*pageSize), q.param(pageSize))
	return statement
}

func visibilityString(private bool) string {
	if private {
		return "private"
	}
	return "visible to all"
}

// pythonBoolString renders booleans the way the UI expects them in string
// valued cells.
func pythonBoolString(v interface{}) string {
	switch value := v.(type) {
	case bool:
		if value {
			return "True"
		}
		return "False"
	case string:
		return value
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// sharedWithLabel renders a row's share list. An empty list means visible to
// all groups, unless the caller owns the row and it is private, which means
// it is not shared at all.
func (b *Backend) sharedWithLabel(sharedWith []int64, ownerGroupID, callerGroupID int64, private bool, cache map[int64]string) (string, error) {
	if len(sharedWith) == 0 {
		if ownerGroupID == callerGroupID && private {
			return "None", nil
		}
		return "ALL GROUPS", nil
	}

	var missing []int64
	for _, id := range sharedWith {
		if _, ok := cache[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		names, err := b.groupNamesByID(b.db, missing)
		if err != nil {
			return "", err
		}
		for id, name := range names {
			cache[id] = name
		}
	}

	names := make([]string, 0, len(sharedWith))
	for _, id := range sharedWith {
		names = append(names, cache[id])
	}
	return strings.Join(names, ","), nil
}

// extraColumnValues picks the whitelisted keys out of a decoded extra_cols
// document, defaulting absent keys to the empty string.
func extraColumnValues(extra map[string]interface{}, keys ...string) map[string]interface{} {
	values := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		if v, ok := extra[key]; ok {
			values[key] = v
		} else {
			values[key] = ""
		}
	}
	return values
}
