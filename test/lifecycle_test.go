package test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/omicsdm/server/core/client"
)

type LifecycleTestSuite struct {
	IntegrationTestSuite
}

func TestLifecycleTestSuite(t *testing.T) {
	suite.Run(t, &LifecycleTestSuite{})
}

func projectSubmission(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":                          id,
		"name":                        "Project " + id,
		"owners":                      "3tr",
		"description":                 "a test project",
		"diseases":                    "COPD,ASTHMA",
		"logoUrl":                     "",
		"datasetVisibilityDefault":    "private",
		"datasetVisibilityChangeable": true,
		"fileDlAllowed":               true,
	}
}

func datasetSubmission(id, projectID string) map[string]interface{} {
	return map[string]interface{}{
		"id":                       id,
		"project_id":               projectID,
		"name":                     "Dataset " + id,
		"disease":                  "COPD",
		"treatment":                "none",
		"molecularInfo":            "RNA",
		"sampleType":               "blood",
		"dataType":                 "transcriptome",
		"valueType":                "counts",
		"platform":                 "illumina",
		"genomeAssembly":           "GRCh38",
		"annotation":               "gencode",
		"samplesCount":             "10",
		"featuresCount":            "20000",
		"featuresID":               "ensembl",
		"healthyControllsIncluded": true,
		"additionalInfo":           "",
		"contact":                  "test@example.com",
		"tags":                     "",
		"visibility":               "private",
		"file":                     []string{"policy.pdf"},
		"file2":                    []string{"clinical.csv"},
	}
}

type viewResult struct {
	Items []map[string]interface{} `json:"items"`
	Meta  struct {
		TotalItems int `json:"total_items"`
		TotalPages int `json:"total_pages"`
		Page       int `json:"page"`
		PageSize   int `json:"page_size"`
	} `json:"_meta"`
}

func (s *LifecycleTestSuite) admin() client.Client {
	return s.Client.WithAdminAuthorization()
}

func (s *LifecycleTestSuite) user() client.Client {
	return s.Client.WithGroups("alice", "3tr")
}

func (s *LifecycleTestSuite) otherUser() client.Client {
	return s.Client.WithGroups("bob", "unibe")
}

func (s *LifecycleTestSuite) TestLifecycle() {
	admin := s.admin()
	user := s.user()

	// only admins can create projects
	status, err := user.RawPost("/api/projects/create",
		[]map[string]interface{}{projectSubmission("denied")}, nil)
	s.Require().Error(err)
	s.Require().Equal(http.StatusMethodNotAllowed, status)

	status, err = admin.RawPost("/api/projects/validate",
		[]map[string]interface{}{projectSubmission("project1")}, nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)

	var createResult map[string]interface{}
	status, err = admin.RawPost("/api/projects/create",
		[]map[string]interface{}{projectSubmission("project1")}, &createResult)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)

	// a second project with the same id is rejected
	status, _ = admin.RawPost("/api/projects/create",
		[]map[string]interface{}{projectSubmission("project1")}, nil)
	s.Require().Equal(http.StatusBadRequest, status)

	// the owning group sees the project
	var projects struct {
		Projects []map[string]interface{} `json:"projects"`
	}
	status, err = user.RawPost("/api/projects/all", nil, &projects)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Len(projects.Projects, 1)
	s.Require().Equal("project1", projects.Projects[0]["project_id"])

	// dataset creation returns the upload keys for the extra files
	var datasetCreated map[string]interface{}
	status, err = user.RawPost("/api/datasets/create",
		datasetSubmission("dataset1", "project1"), &datasetCreated)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal("3tr/dataset1/dataPolicy/policy.pdf", datasetCreated["dataPolicyAwsKey"])
	s.Require().Equal("3tr/dataset1/clinical/clinical.csv", datasetCreated["clinicalDataAwsKey"])

	// dataset ids are unique per owning group
	status, _ = user.RawPost("/api/datasets/create",
		datasetSubmission("dataset1", "project1"), nil)
	s.Require().Equal(http.StatusBadRequest, status)

	// the owner sees the private dataset, other groups do not
	var view viewResult
	status, err = user.RawPost("/api/datasets/all", nil, &view)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(1, view.Meta.TotalItems)
	s.Require().Equal("dataset1", view.Items[0]["dataset_id"])
	s.Require().Equal("private", view.Items[0]["visibility"])
	s.Require().Equal("None", view.Items[0]["shared_with"])
	s.Require().Equal(true, view.Items[0]["isUserOwner"])

	var otherView viewResult
	status, err = s.otherUser().RawPost("/api/datasets/all", nil, &otherView)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(0, otherView.Meta.TotalItems)

	// sharing with another group makes the dataset visible to it
	status, err = user.RawPut("/api/datasets?arg=addGroup&project=project1&dataset=dataset1&group=unibe", nil, nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)

	status, err = s.otherUser().RawPost("/api/datasets/all", nil, &otherView)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(1, otherView.Meta.TotalItems)
	s.Require().Equal("3tr", otherView.Items[0]["owner"])
	s.Require().Equal(false, otherView.Items[0]["isUserOwner"])

	// the owner cannot be a share target
	status, _ = user.RawPut("/api/datasets?arg=addGroup&project=project1&dataset=dataset1&group=3tr", nil, nil)
	s.Require().Equal(http.StatusMethodNotAllowed, status)

	s.runFileLifecycle()
	s.runAdminUpdates()
}

func (s *LifecycleTestSuite) runFileLifecycle() {
	user := s.user()

	var started map[string]interface{}
	status, err := user.RawPost("/api/files/startupload", map[string]interface{}{
		"projectId": "project1",
		"DatasetID": "dataset1",
		"fileName":  "counts.csv",
		"Comment":   "first upload",
		"file":      []string{"counts.csv"},
	}, &started)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal("3tr/dataset1/counts.csv_uploadedVersion_1.csv", started["awsKey"])

	// unfinished uploads stay invisible
	var view viewResult
	status, err = user.RawPost("/api/files/all", nil, &view)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(0, view.Meta.TotalItems)

	status, err = user.RawPost("/api/files/finishupload", map[string]interface{}{
		"aws_key": started["awsKey"],
	}, nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)

	status, err = user.RawPost("/api/files/all", nil, &view)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(1, view.Meta.TotalItems)
	s.Require().Equal("counts.csv", view.Items[0]["name"])
	s.Require().Equal("first upload", view.Items[0]["comment"])

	fileID := int(view.Items[0]["id"].(float64))

	// a second upload of the same name becomes version 2
	status, err = user.RawPost("/api/files/startupload", map[string]interface{}{
		"projectId": "project1",
		"DatasetID": "dataset1",
		"fileName":  "counts.csv",
		"Comment":   "second upload",
		"file":      []string{"counts.csv"},
	}, &started)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal("3tr/dataset1/counts.csv_uploadedVersion_2.csv", started["awsKey"])

	// file names with spaces or foreign extensions are rejected
	status, _ = user.RawPost("/api/files/startupload", map[string]interface{}{
		"projectId": "project1",
		"DatasetID": "dataset1",
		"fileName":  "my counts.csv",
		"Comment":   "",
		"file":      []string{"my counts.csv"},
	}, nil)
	s.Require().Equal(http.StatusMethodNotAllowed, status)

	status, _ = user.RawPost("/api/files/startupload", map[string]interface{}{
		"projectId": "project1",
		"DatasetID": "dataset1",
		"fileName":  "malware.exe",
		"Comment":   "",
		"file":      []string{"malware.exe"},
	}, nil)
	s.Require().Equal(http.StatusBadRequest, status)

	// the owner can always download
	var download struct {
		Message       string            `json:"message"`
		PresignedUrls map[string]string `json:"presignedUrls"`
	}
	status, err = user.RawPost("/api/files/download", map[string]interface{}{
		"file_ids": []int{fileID},
	}, &download)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	url := download.PresignedUrls[fmt.Sprint(fileID)]
	s.Require().NotEmpty(url)
	s.Require().NotEqual("download forbidden", url)

	// disabling hides the file from the view
	status, err = user.RawPost("/api/files/disable", map[string]interface{}{
		"fileIds": []int{fileID},
	}, nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)

	status, err = user.RawPost("/api/files/all", nil, &view)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(0, view.Meta.TotalItems)

	// disabling an unknown file fails for the whole batch
	status, _ = user.RawPost("/api/files/disable", map[string]interface{}{
		"fileIds": []int{99999},
	}, nil)
	s.Require().Equal(http.StatusNotFound, status)
}

func (s *LifecycleTestSuite) runAdminUpdates() {
	admin := s.admin()
	user := s.user()

	var view viewResult
	status, err := admin.RawPost("/api/datasets/admin/view", nil, &view)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(1, view.Meta.TotalItems)
	rowID := int(view.Items[0]["id"].(float64))

	// the admin view is closed for regular users
	status, _ = user.RawPost("/api/datasets/admin/view", nil, nil)
	s.Require().Equal(http.StatusNotFound, status)

	status, err = admin.RawPost("/api/datasets/admin/update", map[string]interface{}{
		"dbRowIds": []int{rowID},
		"field":    "name",
		"value":    "Renamed Dataset",
	}, nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)

	status, err = user.RawPost("/api/datasets/all", nil, &view)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal("Renamed Dataset", view.Items[0]["name"])

	// a disease outside the project selection is rejected
	status, _ = admin.RawPost("/api/datasets/admin/update", map[string]interface{}{
		"dbRowIds": []int{rowID},
		"field":    "disease",
		"value":    "RA",
	}, nil)
	s.Require().Equal(http.StatusBadRequest, status)

	// presigned urls can only be renewed, never set
	status, _ = admin.RawPost("/api/datasets/admin/update", map[string]interface{}{
		"dbRowIds": []int{rowID},
		"field":    "policy_presigned_url",
		"value":    "https://example.com/evil",
	}, nil)
	s.Require().Equal(http.StatusServiceUnavailable, status)

	status, err = admin.RawPost("/api/projects/admin/view", nil, &view)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(1, view.Meta.TotalItems)
	projectRowID := int(view.Items[0]["id"].(float64))

	status, err = admin.RawPost("/api/projects/admin/update", map[string]interface{}{
		"dbRowIds": []int{projectRowID},
		"field":    "description",
		"value":    "updated description",
	}, nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
}
