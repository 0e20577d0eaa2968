package backend

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omicsdm/server/core/csql"
)

func testBackend() *Backend {
	return &Backend{
		db:          &csql.DB{Schema: "omicsdm"},
		descriptors: DefaultDescriptors(),
	}
}

func TestParseViewRequestDefaults(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/datasets/all", nil)
	req, err := parseViewRequest(r)
	require.NoError(t, err)
	assert.Equal(t, 1, req.Page)
	assert.Equal(t, 100, req.PageSize)
	assert.Empty(t, req.Sorted)
	assert.Empty(t, req.Filtered)

	r = httptest.NewRequest("POST", "/api/datasets/all",
		strings.NewReader(`{"page":3,"pageSize":25,"sorted":null,"filtered":null}`))
	req, err = parseViewRequest(r)
	require.NoError(t, err)
	assert.Equal(t, 3, req.Page)
	assert.Equal(t, 25, req.PageSize)
}

func TestParseViewRequestRejectsBadPayload(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/datasets/all", strings.NewReader(`{"page":"one"}`))
	_, err := parseViewRequest(r)
	require.Error(t, err)

	r = httptest.NewRequest("POST", "/api/datasets/all", strings.NewReader(`{"filtered":[{"id":"name"}]}`))
	_, err = parseViewRequest(r)
	require.Error(t, err)
}

func TestNewViewResponseMeta(t *testing.T) {
	response := newViewResponse(2, 10, 25)
	assert.Equal(t, 25, response.Meta.TotalItems)
	assert.Equal(t, 3, response.Meta.TotalPages)
	assert.Equal(t, 2, response.Meta.Page)
	assert.Equal(t, 10, response.Meta.PageSize)

	response = newViewResponse(1, 100, 0)
	assert.Equal(t, 0, response.Meta.TotalPages)
}

func TestVisibilityRestriction(t *testing.T) {
	b := testBackend()

	q := b.newViewQuery(b.descriptors.DatasetView)
	q.restrictVisibility(7)
	require.Len(t, q.where, 1)
	assert.Contains(t, q.where[0], "og.group_id = $1")
	assert.Contains(t, q.where[0], "v.shared_with @> $2")
	assert.Contains(t, q.where[0], "v.private = false")

	q = b.newViewQuery(b.descriptors.FileView)
	q.restrictVisibility(7)
	require.Len(t, q.where, 3)
	assert.Contains(t, q.where[0], "d.private = false")
	assert.Equal(t, "v.upload_finished = true", q.where[1])
	assert.Equal(t, "v.enabled = true", q.where[2])
}

func TestFilterUnknownField(t *testing.T) {
	b := testBackend()
	q := b.newViewQuery(b.descriptors.DatasetView)

	err := q.applyFilters([]filterSpec{{ID: "no_such_column", Value: "x"}})
	require.Error(t, err)
	assert.Equal(t, "unknown field no_such_column", err.Error())

	// the owner checkbox does not exist on the project level
	q = b.newViewQuery(b.descriptors.ProjectView)
	err = q.applyFilters([]filterSpec{{ID: "checkbox", Value: "x"}})
	require.Error(t, err)
	assert.Equal(t, "unknown field checkbox", err.Error())
}

func TestFilterValueTypeCheck(t *testing.T) {
	b := testBackend()
	q := b.newViewQuery(b.descriptors.DatasetView)

	err := q.applyFilters([]filterSpec{{ID: "name", Value: float64(42)}})
	require.Error(t, err)
	assert.Equal(t, "integer is not allowed for name", err.Error())
}

func TestFilterVisibility(t *testing.T) {
	b := testBackend()
	q := b.newViewQuery(b.descriptors.DatasetView)

	require.NoError(t, q.applyFilters([]filterSpec{{ID: "visibility", Value: "private"}}))
	require.Len(t, q.where, 1)
	assert.Equal(t, "v.private = $1", q.where[0])
	assert.Equal(t, []interface{}{true}, q.args)
}

func TestFilterSharedWith(t *testing.T) {
	b := testBackend()

	// "ALL GROUPS" selects public rows
	q := b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "shared_with", Value: "ALL GROUPS"}}))
	require.Len(t, q.where, 1)
	assert.Equal(t, "v.private = $1", q.where[0])
	assert.Equal(t, false, q.args[0])

	// "None" selects private unshared rows
	q = b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "shared_with", Value: "None"}}))
	require.Len(t, q.where, 1)
	assert.Equal(t, true, q.args[0])

	// a group name selects private rows shared with that group
	q = b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "shared_with", Value: "unibe"}}))
	require.Len(t, q.where, 2)
	assert.Contains(t, q.where[1], "v.shared_with @>")
	assert.Contains(t, q.where[1], `kc_groupname = $2`)
	assert.Equal(t, "unibe", q.args[1])

	// files share through their parent dataset
	q = b.newViewQuery(b.descriptors.FileView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "shared_with", Value: "unibe"}}))
	assert.Contains(t, q.where[1], "d.shared_with @>")
}

func TestFilterIdentifiers(t *testing.T) {
	b := testBackend()

	// the row id filter only exists for files
	q := b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "id", Value: float64(1)}}))
	assert.Empty(t, q.where)

	q = b.newViewQuery(b.descriptors.FileView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "id", Value: "1, 2"}}))
	require.Len(t, q.where, 1)
	assert.Equal(t, "v.id = ANY($1)", q.where[0])

	q = b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "dataset_id", Value: "a,b"}}))
	require.Len(t, q.where, 1)
	assert.Equal(t, "v.dataset_id IN ($1, $2)", q.where[0])

	// project id filters resolve through the project relation, with wildcards
	q = b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "project_id", Value: "pro*"}}))
	require.Len(t, q.where, 1)
	assert.Contains(t, q.where[0], "v.project_id IN (SELECT id FROM omicsdm.project")
	assert.Contains(t, q.where[0], "project_id ILIKE $1")
	assert.Equal(t, "pro%", q.args[0])
}

func TestFilterSubmitDate(t *testing.T) {
	b := testBackend()

	q := b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "submit_date", Value: "2023/05/01"}}))
	require.Len(t, q.where, 1)
	assert.Contains(t, q.where[0], "BETWEEN $1 AND $2")
	day := q.args[0].(time.Time)
	end := q.args[1].(time.Time)
	assert.Equal(t, "2023-05-01 00:00:00", day.Format("2006-01-02 15:04:05"))
	assert.Equal(t, "2023-05-01 23:59:59", end.Format("2006-01-02 15:04:05"))

	q = b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "submit_date", Value: "2023/05/01, 10:30:00"}}))
	at := q.args[0].(time.Time)
	assert.Equal(t, "2023-05-01 10:30:00", at.Format("2006-01-02 15:04:05"))

	q = b.newViewQuery(b.descriptors.DatasetView)
	err := q.applyFilters([]filterSpec{{ID: "submit_date", Value: "yesterday"}})
	require.Error(t, err)
	assert.Equal(t, "yesterday is not a valid timestamp", err.Error())
}

func TestFilterExtraColumns(t *testing.T) {
	b := testBackend()

	// plain strings substring-match inside the JSONB document
	q := b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "disease", Value: "COPD"}}))
	require.Len(t, q.where, 1)
	assert.Equal(t, "v.extra_cols ->> $1 LIKE $2", q.where[0])
	assert.Equal(t, []interface{}{"disease", "%COPD%"}, q.args)

	// integer strings and booleans match by containment
	q = b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "samplesCount", Value: "10"}}))
	require.Len(t, q.where, 1)
	assert.Equal(t, "v.extra_cols @> $1::jsonb", q.where[0])
	assert.JSONEq(t, `{"samplesCount":"10"}`, q.args[0].(string))

	q = b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "healthyControllsIncluded", Value: "True"}}))
	require.Len(t, q.where, 1)
	assert.JSONEq(t, `{"healthyControllsIncluded":true}`, q.args[0].(string))
}

func TestFilterPlainColumns(t *testing.T) {
	b := testBackend()

	// default is a case insensitive substring match
	q := b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "name", Value: "cohort"}}))
	require.Len(t, q.where, 1)
	assert.Equal(t, "v.name ILIKE $1", q.where[0])
	assert.Equal(t, "%cohort%", q.args[0])

	// comma separated values become an IN list
	q = b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "checkbox", Value: "3tr,unibe"}}))
	require.Len(t, q.where, 1)
	assert.Equal(t, "g.kc_groupname IN ($1, $2)", q.where[0])

	// integer strings compare for equality
	q = b.newViewQuery(b.descriptors.FileView)
	require.NoError(t, q.applyFilters([]filterSpec{{ID: "version", Value: "2"}}))
	require.Len(t, q.where, 1)
	assert.Equal(t, "v.version = $1", q.where[0])
}

func TestApplySort(t *testing.T) {
	b := testBackend()

	q := b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applySort([]sortSpec{{ID: "name", Desc: true}}))
	assert.Equal(t, "v.name DESC", q.order)

	q = b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applySort([]sortSpec{{ID: "disease"}}))
	assert.Equal(t, "v.extra_cols -> 'disease' ASC", q.order)

	q = b.newViewQuery(b.descriptors.FileView)
	require.NoError(t, q.applySort([]sortSpec{{ID: "dataset_id"}}))
	assert.Equal(t, "d.dataset_id ASC", q.order)

	// only the first sort column is honored
	q = b.newViewQuery(b.descriptors.DatasetView)
	require.NoError(t, q.applySort([]sortSpec{{ID: "name"}, {ID: "disease", Desc: true}}))
	assert.Equal(t, "v.name ASC", q.order)

	q = b.newViewQuery(b.descriptors.DatasetView)
	err := q.applySort([]sortSpec{{ID: "bogus"}})
	require.Error(t, err)
	assert.Equal(t, "unknown field bogus", err.Error())
}

func TestSelectStatementPaging(t *testing.T) {
	b := testBackend()
	q := b.newViewQuery(b.descriptors.ProjectView)

	statement := q.selectStatement("v.id, v.project_id", 3, 20)
	assert.Contains(t, statement, "count(*) OVER() AS total_items")
	assert.Contains(t, statement, "OFFSET $1 LIMIT $2;")
	assert.Equal(t, []interface{}{40, 20}, q.args)
}

func TestBoolAndVisibilityRendering(t *testing.T) {
	assert.Equal(t, "private", visibilityString(true))
	assert.Equal(t, "visible to all", visibilityString(false))

	assert.Equal(t, "True", pythonBoolString(true))
	assert.Equal(t, "False", pythonBoolString(false))
	assert.Equal(t, "hello", pythonBoolString("hello"))
	assert.Equal(t, "", pythonBoolString(nil))

	assert.Equal(t, "True", truthLabel(true))
	assert.Equal(t, "False", truthLabel(false))
	assert.Equal(t, "True", truthLabel("yes"))
	assert.Equal(t, "False", truthLabel(""))
	assert.Equal(t, "False", truthLabel("False"))
	assert.Equal(t, "True", truthLabel(float64(1)))
	assert.Equal(t, "False", truthLabel(nil))
}

func TestExtraColumnValues(t *testing.T) {
	extra := map[string]interface{}{"disease": "COPD"}
	values := extraColumnValues(extra, "disease", "treatment")
	assert.Equal(t, "COPD", values["disease"])
	assert.Equal(t, "", values["treatment"])
}

func TestNormalizeFilterValue(t *testing.T) {
	assert.Equal(t, true, normalizeFilterValue("True"))
	assert.Equal(t, false, normalizeFilterValue("False"))
	assert.Equal(t, "true", normalizeFilterValue("true"))
	assert.Equal(t, float64(1), normalizeFilterValue(float64(1)))
}
