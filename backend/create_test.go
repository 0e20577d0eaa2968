package backend

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omicsdm/server/core/schema"
)

func TestDecodeSubmissionList(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/projects/create", strings.NewReader(`[{"id":"p1"},{"id":"p2"}]`))
	rows, err := decodeSubmissionList(r)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "p1", rows[0]["id"])

	r = httptest.NewRequest("POST", "/api/projects/create", strings.NewReader(`{"id":"p1"}`))
	_, err = decodeSubmissionList(r)
	require.EqualError(t, err, "payload is not a list")

	r = httptest.NewRequest("POST", "/api/projects/create", strings.NewReader(`["p1"]`))
	_, err = decodeSubmissionList(r)
	require.EqualError(t, err, "submission is not an object")

	r = httptest.NewRequest("POST", "/api/projects/create", strings.NewReader(`not json`))
	_, err = decodeSubmissionList(r)
	require.EqualError(t, err, "payload is not a list")
}

func TestValidateSubmissionIDs(t *testing.T) {
	rows := []map[string]interface{}{{"id": "p1"}, {"id": "p2"}}
	require.NoError(t, validateSubmissionIDs(rows, true))

	rows = []map[string]interface{}{{"name": "no id"}}
	require.EqualError(t, validateSubmissionIDs(rows, true), "id is missing")

	rows = []map[string]interface{}{{"id": ""}}
	require.EqualError(t, validateSubmissionIDs(rows, true), "id is an empty string")

	rows = []map[string]interface{}{{"id": "p1"}, {"id": "p1"}}
	require.EqualError(t, validateSubmissionIDs(rows, true), "duplicated project_ids not allowed")

	// dataset identifiers may repeat within a batch, uniqueness is per group
	require.NoError(t, validateSubmissionIDs(rows, false))
}

func TestBuildSubmissionSchema(t *testing.T) {
	sd := SubmissionDescriptor{
		Fields: []SubmissionField{
			{ID: "name", Mandatory: true},
			{ID: "comment"},
			{ID: "enabled", Boolean: true},
			{ID: "visibility", Mandatory: true},
		},
		Enums: map[string][]string{"visibility": VisibilitySelection},
	}
	submissionSchema := buildSubmissionSchema(sd)

	document := map[string]interface{}{
		"name": "p1", "comment": "", "enabled": true, "visibility": "private",
	}
	require.NoError(t, schema.ValidateDocument(document, submissionSchema))

	// mandatory strings must be non-empty
	document["name"] = ""
	require.Error(t, schema.ValidateDocument(document, submissionSchema))
	document["name"] = "p1"

	// booleans must be booleans
	document["enabled"] = "yes"
	require.Error(t, schema.ValidateDocument(document, submissionSchema))
	document["enabled"] = false

	// enums are enforced
	document["visibility"] = "public"
	require.Error(t, schema.ValidateDocument(document, submissionSchema))
	document["visibility"] = "visible to all"

	// every field is required
	delete(document, "comment")
	require.Error(t, schema.ValidateDocument(document, submissionSchema))
	document["comment"] = "hello"

	// unknown fields are rejected
	document["bogus"] = "x"
	require.Error(t, schema.ValidateDocument(document, submissionSchema))
}

func TestModifyProjectSchema(t *testing.T) {
	b := testBackend()

	data := map[string]interface{}{"logoUrl": "ftp://example.com/logo.png"}
	submissionSchema := buildSubmissionSchema(b.descriptors.ProjectSubmission)
	modifyProjectSchema(submissionSchema, data)

	properties := schemaProperties(submissionSchema)
	logoURL := properties["logoUrl"].(map[string]interface{})
	assert.Equal(t, "^(http|https)://.*$", logoURL["pattern"])

	// an empty logo url passes as is
	submissionSchema = buildSubmissionSchema(b.descriptors.ProjectSubmission)
	modifyProjectSchema(submissionSchema, map[string]interface{}{"logoUrl": ""})
	properties = schemaProperties(submissionSchema)
	logoURL = properties["logoUrl"].(map[string]interface{})
	assert.Equal(t, ".*", logoURL["pattern"])

	visibility := properties["datasetVisibilityDefault"].(map[string]interface{})
	assert.Equal(t, VisibilitySelection, visibility["enum"])
}

func TestSingleFileSchema(t *testing.T) {
	pdf := singleFileSchema(`^.+\.pdf$`)

	require.NoError(t, schema.ValidateDocument([]interface{}{"policy.pdf"}, pdf))
	require.NoError(t, schema.ValidateDocument([]interface{}{}, pdf))
	require.Error(t, schema.ValidateDocument([]interface{}{"policy.csv"}, pdf), "wrong extension")
	require.Error(t, schema.ValidateDocument([]interface{}{"my policy.pdf"}, pdf), "spaces")
	require.Error(t, schema.ValidateDocument([]interface{}{"a.pdf", "b.pdf"}, pdf), "more than one file")

	tabular := singleFileSchema(`^.+\.(csv|json)$`)
	require.NoError(t, schema.ValidateDocument([]interface{}{"clinical.csv"}, tabular))
	require.NoError(t, schema.ValidateDocument([]interface{}{"clinical.json"}, tabular))
	require.Error(t, schema.ValidateDocument([]interface{}{"clinical.pdf"}, tabular))
}

func TestAllowedDiseases(t *testing.T) {
	policy := &projectPolicy{diseases: "COPD,ASTHMA"}
	assert.Equal(t, []string{"healthy control", "COPD", "ASTHMA"}, policy.allowedDiseases())
}
