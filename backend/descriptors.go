package backend

// Kind identifies one of the three entity levels of the hierarchy.
type Kind int

const (
	// KindProject is the top level of the hierarchy
	KindProject Kind = iota
	// KindDataset belongs to a project
	KindDataset
	// KindFile belongs to a dataset
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindProject:
		return "project"
	case KindDataset:
		return "dataset"
	case KindFile:
		return "file"
	}
	return "unknown"
}

// valueTypes is the set of JSON types a filter or sort value may have for a
// given column.
type valueTypes uint8

const (
	typeString valueTypes = 1 << iota
	typeNumber
	typeBool
)

// allows reports whether the decoded JSON value v has one of the allowed types.
func (t valueTypes) allows(v interface{}) bool {
	switch v.(type) {
	case string:
		return t&typeString != 0
	case float64:
		return t&typeNumber != 0
	case bool:
		return t&typeBool != 0
	}
	return false
}

// ViewColumn describes one column of a tabular view as rendered by the UI.
type ViewColumn struct {
	ID        string   `json:"id"`
	Header    string   `json:"Header"`
	Selection []string `json:"selection,omitempty"`
}

// SubmissionField describes one field of a submission form. Fields with
// AllowedValues render as selections, boolean fields carry Boolean true.
type SubmissionField struct {
	ID            string   `json:"id"`
	Label         string   `json:"label"`
	Mandatory     bool     `json:"mandatory"`
	Boolean       bool     `json:"boolean,omitempty"`
	AllowedValues []string `json:"allowedValues,omitempty"`
}

// ViewDescriptor is the immutable description of one entity's tabular view.
// It is injected into the backend at construction, there is no global
// registry.
type ViewDescriptor struct {
	Kind Kind

	// FilterTypes maps a request column id to the JSON types a filter or
	// sort value may have for it. Columns not listed fall through to the
	// extended attributes or to the default substring match.
	FilterTypes map[string]valueTypes

	// ColumnMapping maps a request column id to its SQL column.
	ColumnMapping map[string]string

	// ExtraColumns maps a request column id to its key inside the JSONB
	// extra_cols column.
	ExtraColumns map[string]string

	// Columns is the list rendered by the UI's view table.
	Columns []ViewColumn
}

// SubmissionDescriptor is the immutable description of one entity's
// submission form and validation schema.
type SubmissionDescriptor struct {
	Fields []SubmissionField
	Enums  map[string][]string

	// ColumnMapping maps a request field id to the fixed SQL column it is
	// stored in.
	ColumnMapping map[string]string

	// ExtraColumns maps a request field id to its key inside the JSONB
	// extra_cols column. Fields in neither map are derived, not stored.
	ExtraColumns map[string]string
}

// HasField returns the field with the given id
func (d SubmissionDescriptor) HasField(id string) (SubmissionField, bool) {
	for _, f := range d.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return SubmissionField{}, false
}

// Descriptors bundles all view and submission descriptors of the backend.
type Descriptors struct {
	ProjectView       ViewDescriptor
	DatasetView       ViewDescriptor
	FileView          ViewDescriptor
	ProjectSubmission SubmissionDescriptor
	DatasetSubmission SubmissionDescriptor
}

// isExtraColumn returns the JSONB key for a request column id, if the column
// is an extended attribute.
func (d ViewDescriptor) isExtraColumn(id string) (string, bool) {
	key, ok := d.ExtraColumns[id]
	return key, ok
}

// sqlColumn returns the SQL column for a request column id, falling back to
// the id itself.
func (d ViewDescriptor) sqlColumn(id string) string {
	if col, ok := d.ColumnMapping[id]; ok {
		return col
	}
	return id
}

// checkValueType validates a filter or sort value against the column's
// allowed types. Unknown columns are not restricted.
func (d ViewDescriptor) checkValueType(id string, value interface{}) error {
	types, ok := d.FilterTypes[id]
	if !ok {
		return nil
	}
	if !types.allows(value) {
		return wrongSchema("%s is not allowed for %s", jsonTypeName(value), id)
	}
	return nil
}

// jsonTypeName names a decoded JSON value's type the way the UI expects it
// in error messages.
func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "integer"
	}
	return "null"
}

// DiseaseSelection are the diseases studied by the 3TR project.
var DiseaseSelection = []string{"COPD", "ASTHMA", "CD", "UC", "MS", "SLE", "RA"}

// VisibilitySelection are the two visibility states a dataset can have.
var VisibilitySelection = []string{"private", "visible to all"}

// AllowedFileExtensions is the whitelist for uploaded data files.
var AllowedFileExtensions = []string{"tsv", "csv", "txt", "gz", "rds", "rda", "h5ad"}

// DefaultDescriptors returns the descriptor set for the 3TR deployment.
func DefaultDescriptors() Descriptors {
	return Descriptors{
		ProjectView: ViewDescriptor{
			Kind: KindProject,
			FilterTypes: map[string]valueTypes{
				"id":                            typeString,
				"project_id":                    typeString,
				"name":                          typeString,
				"description":                   typeString,
				"owners":                        typeString,
				"diseases":                      typeString,
				"logo_url":                      typeString,
				"dataset_visibility_changeable": typeBool,
				"dataset_visibility_default":    typeString,
				"file_dl_allowed":               typeBool,
			},
			ColumnMapping: map[string]string{
				"id":         "project_id",
				"project_id": "project_id",
				"name":       "name",
				"owners":     "owners",
			},
			ExtraColumns: identityExtraCols(
				"description", "diseases", "logo_url",
				"dataset_visibility_changeable", "dataset_visibility_default",
				"file_dl_allowed",
			),
			Columns: []ViewColumn{
				{ID: "id", Header: "Project ID"},
				{ID: "name", Header: "Name"},
				{ID: "description", Header: "Description"},
				{ID: "owners", Header: "Owners"},
				{ID: "diseases", Header: "Diseases"},
				{ID: "logo_url", Header: "Logo URL"},
				{ID: "dataset_visibility_default", Header: "Default Dataset Visibility", Selection: VisibilitySelection},
				{ID: "dataset_visibility_changeable", Header: "Dataset Visibility Changeable"},
				{ID: "file_dl_allowed", Header: "File Download Allowed"},
			},
		},
		DatasetView: ViewDescriptor{
			Kind: KindDataset,
			FilterTypes: map[string]valueTypes{
				"checkbox":                 typeString,
				"id":                       typeNumber,
				"dataset_id":               typeString,
				"project_id":               typeString,
				"name":                     typeString,
				"disease":                  typeString,
				"treatment":                typeString,
				"molecularInfo":            typeString,
				"sampleType":               typeString,
				"dataType":                 typeString,
				"valueType":                typeString,
				"platform":                 typeString,
				"genomeAssembly":           typeString,
				"annotation":               typeString,
				"samplesCount":             typeString | typeNumber,
				"featuresCount":            typeString | typeNumber,
				"featuresID":               typeString,
				"healthyControllsIncluded": typeString | typeBool,
				"additionalInfo":           typeString,
				"contact":                  typeString,
				"tags":                     typeString,
				"visibility":               typeString,
				"submitter_name":           typeString,
				"submit_date":              typeString,
				"shared_with":              typeString,
			},
			ColumnMapping: map[string]string{
				"id":             "id",
				"dataset_id":     "dataset_id",
				"project_id":     "project_id",
				"name":           "name",
				"visibility":     "private",
				"submitter_name": "submitter_name",
				"submit_date":    "submission_date",
				"shared_with":    "shared_with",
			},
			ExtraColumns: identityExtraCols(
				"disease", "treatment", "molecularInfo", "sampleType", "dataType",
				"valueType", "platform", "genomeAssembly", "annotation",
				"samplesCount", "featuresCount", "featuresID",
				"healthyControllsIncluded", "additionalInfo", "contact", "tags",
				"file", "file2",
			),
			Columns: []ViewColumn{
				{ID: "checkbox", Header: "Owner"},
				{ID: "dataset_id", Header: "Dataset ID"},
				{ID: "project_id", Header: "Project ID"},
				{ID: "name", Header: "Name"},
				{ID: "disease", Header: "Disease", Selection: DiseaseSelection},
				{ID: "treatment", Header: "Treatment"},
				{ID: "molecularInfo", Header: "Molecular Info"},
				{ID: "sampleType", Header: "Sample Type"},
				{ID: "dataType", Header: "Data Type"},
				{ID: "valueType", Header: "Value Type"},
				{ID: "platform", Header: "Platform"},
				{ID: "genomeAssembly", Header: "Genome Assembly"},
				{ID: "annotation", Header: "Annotation"},
				{ID: "samplesCount", Header: "Samples Count"},
				{ID: "featuresCount", Header: "Features Count"},
				{ID: "featuresID", Header: "Features ID"},
				{ID: "healthyControllsIncluded", Header: "Healthy Controls Included"},
				{ID: "additionalInfo", Header: "Additional Info"},
				{ID: "contact", Header: "Contact"},
				{ID: "tags", Header: "Tags"},
				{ID: "visibility", Header: "Visibility", Selection: VisibilitySelection},
				{ID: "submitter_name", Header: "Submitter"},
				{ID: "submit_date", Header: "Submission Date"},
				{ID: "shared_with", Header: "Shared With"},
			},
		},
		FileView: ViewDescriptor{
			Kind: KindFile,
			FilterTypes: map[string]valueTypes{
				"id":             typeNumber | typeString,
				"name":           typeString,
				"version":        typeString | typeNumber,
				"project_id":     typeString,
				"dataset_id":     typeString,
				"submitter_name": typeString,
				"submit_date":    typeString,
				"shared_with":    typeString,
				"visibility":     typeString,
				"checkbox":       typeString,
			},
			ColumnMapping: map[string]string{
				"id":             "id",
				"dataset_id":     "dataset_id",
				"name":           "name",
				"version":        "version",
				"submitter_name": "submitter_name",
				"submit_date":    "submission_date",
				"shared_with":    "shared_with",
			},
			ExtraColumns: map[string]string{
				"comment": "Comment",
			},
			Columns: []ViewColumn{
				{ID: "checkbox", Header: "Owner"},
				{ID: "name", Header: "File Name"},
				{ID: "version", Header: "Version"},
				{ID: "dataset_id", Header: "Dataset ID"},
				{ID: "project_id", Header: "Project ID"},
				{ID: "comment", Header: "Comment"},
				{ID: "visibility", Header: "Visibility", Selection: VisibilitySelection},
				{ID: "submitter_name", Header: "Submitter"},
				{ID: "submit_date", Header: "Submission Date"},
				{ID: "shared_with", Header: "Shared With"},
			},
		},
		ProjectSubmission: SubmissionDescriptor{
			Fields: []SubmissionField{
				{ID: "id", Label: "Project ID", Mandatory: true},
				{ID: "name", Label: "Name", Mandatory: true},
				{ID: "description", Label: "Description"},
				{ID: "owners", Label: "Owners", Mandatory: true},
				{ID: "diseases", Label: "Diseases", Mandatory: true},
				{ID: "logoUrl", Label: "Logo URL"},
				{ID: "datasetVisibilityDefault", Label: "Default Dataset Visibility", AllowedValues: VisibilitySelection},
				{ID: "datasetVisibilityChangeable", Label: "Dataset Visibility Changeable", Boolean: true},
				{ID: "fileDlAllowed", Label: "File Download Allowed", Boolean: true},
			},
			Enums: map[string][]string{
				"datasetVisibilityDefault": VisibilitySelection,
			},
			ColumnMapping: map[string]string{
				"id":     "project_id",
				"name":   "name",
				"owners": "owners",
			},
			ExtraColumns: map[string]string{
				"description":                 "description",
				"diseases":                    "diseases",
				"logoUrl":                     "logo_url",
				"datasetVisibilityDefault":    "dataset_visibility_default",
				"datasetVisibilityChangeable": "dataset_visibility_changeable",
				"fileDlAllowed":               "file_dl_allowed",
			},
		},
		DatasetSubmission: SubmissionDescriptor{
			Fields: []SubmissionField{
				{ID: "id", Label: "Dataset ID", Mandatory: true},
				{ID: "project_id", Label: "Project ID", Mandatory: true},
				{ID: "name", Label: "Name", Mandatory: true},
				{ID: "disease", Label: "Disease", Mandatory: true, AllowedValues: DiseaseSelection},
				{ID: "treatment", Label: "Treatment"},
				{ID: "molecularInfo", Label: "Molecular Info"},
				{ID: "sampleType", Label: "Sample Type"},
				{ID: "dataType", Label: "Data Type"},
				{ID: "valueType", Label: "Value Type"},
				{ID: "platform", Label: "Platform"},
				{ID: "genomeAssembly", Label: "Genome Assembly"},
				{ID: "annotation", Label: "Annotation"},
				{ID: "samplesCount", Label: "Samples Count"},
				{ID: "featuresCount", Label: "Features Count"},
				{ID: "featuresID", Label: "Features ID"},
				{ID: "healthyControllsIncluded", Label: "Healthy Controls Included", Boolean: true},
				{ID: "additionalInfo", Label: "Additional Info"},
				{ID: "contact", Label: "Contact"},
				{ID: "tags", Label: "Tags"},
				{ID: "visibility", Label: "Visibility", AllowedValues: VisibilitySelection},
				{ID: "file", Label: "Data Policy File"},
				{ID: "file2", Label: "Clinical Data File"},
			},
			Enums: map[string][]string{
				"disease":    DiseaseSelection,
				"visibility": VisibilitySelection,
			},
			ColumnMapping: map[string]string{
				"id":         "dataset_id",
				"project_id": "project_id",
				"name":       "name",
			},
			ExtraColumns: identityExtraCols(
				"disease", "treatment", "molecularInfo", "sampleType", "dataType",
				"valueType", "platform", "genomeAssembly", "annotation",
				"samplesCount", "featuresCount", "featuresID",
				"healthyControllsIncluded", "additionalInfo", "contact", "tags",
				"file", "file2",
			),
		},
	}
}

func identityExtraCols(keys ...string) map[string]string {
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[k] = k
	}
	return m
}
