package job

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/virtool/jobrunner/pkg/models"
)

// Args is the typed form of a job's opaque argument map.
type Args interface {
	Task() models.Task
	// Requires lists every right the task's stages exercise.
	Requires() []models.Right
	validate() error
}

// CreateSampleArgs are the arguments of a create_sample job.
type CreateSampleArgs struct {
	SampleID    string             `mapstructure:"sample_id"`
	Files       []string           `mapstructure:"files"`
	Paired      bool               `mapstructure:"paired"`
	LibraryType models.LibraryType `mapstructure:"library_type"`
}

func (a *CreateSampleArgs) Task() models.Task { return models.TaskCreateSample }

func (a *CreateSampleArgs) Requires() []models.Right {
	rights := make([]models.Right, 0, len(a.Files)+3)
	for _, f := range a.Files {
		rights = append(rights, models.Right{ObjectType: models.ObjectUpload, ObjectID: f, Capability: models.CapabilityRead})
	}
	for _, c := range []models.Capability{models.CapabilityRead, models.CapabilityModify, models.CapabilityRemove} {
		rights = append(rights, models.Right{ObjectType: models.ObjectSample, ObjectID: a.SampleID, Capability: c})
	}
	return rights
}

func (a *CreateSampleArgs) validate() error {
	if err := required("sample_id", a.SampleID); err != nil {
		return err
	}
	want := 1
	if a.Paired {
		want = 2
	}
	if len(a.Files) != want {
		return &ValidationError{Field: "files", Message: fmt.Sprintf("expected %d upload ids, got %d", want, len(a.Files))}
	}
	for _, f := range a.Files {
		if err := required("files", f); err != nil {
			return err
		}
	}
	if a.LibraryType == "" {
		a.LibraryType = models.LibraryNormal
	}
	if !a.LibraryType.Valid() {
		return &ValidationError{Field: "library_type", Message: fmt.Sprintf("unknown library type %q", a.LibraryType)}
	}
	return nil
}

// AnalysisArgs are the arguments of nuvs and pathoscope_bowtie jobs.
// SubtractionID may be empty, in which case no host reads are removed.
type AnalysisArgs struct {
	workflow      models.Task
	SampleID      string `mapstructure:"sample_id"`
	AnalysisID    string `mapstructure:"analysis_id"`
	IndexID       string `mapstructure:"index_id"`
	ReferenceID   string `mapstructure:"reference_id"`
	SubtractionID string `mapstructure:"subtraction_id"`
}

func (a *AnalysisArgs) Task() models.Task { return a.workflow }

func (a *AnalysisArgs) Requires() []models.Right {
	rights := []models.Right{
		{ObjectType: models.ObjectSample, ObjectID: a.SampleID, Capability: models.CapabilityRead},
		{ObjectType: models.ObjectAnalysis, ObjectID: a.AnalysisID, Capability: models.CapabilityRead},
		{ObjectType: models.ObjectAnalysis, ObjectID: a.AnalysisID, Capability: models.CapabilityModify},
		{ObjectType: models.ObjectIndex, ObjectID: a.IndexID, Capability: models.CapabilityRead},
		{ObjectType: models.ObjectReference, ObjectID: a.ReferenceID, Capability: models.CapabilityRead},
	}
	if a.SubtractionID != "" {
		rights = append(rights, models.Right{ObjectType: models.ObjectSubtraction, ObjectID: a.SubtractionID, Capability: models.CapabilityRead})
	}
	return rights
}

func (a *AnalysisArgs) validate() error {
	for _, f := range []struct{ name, v string }{
		{"sample_id", a.SampleID},
		{"analysis_id", a.AnalysisID},
		{"index_id", a.IndexID},
		{"reference_id", a.ReferenceID},
	} {
		if err := required(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}

// BuildIndexArgs are the arguments of a build_index job.
type BuildIndexArgs struct {
	IndexID     string `mapstructure:"index_id"`
	ReferenceID string `mapstructure:"reference_id"`
}

func (a *BuildIndexArgs) Task() models.Task { return models.TaskBuildIndex }

func (a *BuildIndexArgs) Requires() []models.Right {
	return []models.Right{
		{ObjectType: models.ObjectReference, ObjectID: a.ReferenceID, Capability: models.CapabilityRead},
		{ObjectType: models.ObjectIndex, ObjectID: a.IndexID, Capability: models.CapabilityRead},
		{ObjectType: models.ObjectIndex, ObjectID: a.IndexID, Capability: models.CapabilityModify},
	}
}

func (a *BuildIndexArgs) validate() error {
	if err := required("index_id", a.IndexID); err != nil {
		return err
	}
	return required("reference_id", a.ReferenceID)
}

// ParseTask converts a task name into the closed task set.
func ParseTask(name string) (models.Task, error) {
	for _, t := range models.Tasks {
		if string(t) == name {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "task", Message: fmt.Sprintf("unknown task %q", name)}
}

// DecodeArgs decodes and validates raw arguments for task. Unknown keys are
// rejected.
func DecodeArgs(task models.Task, raw map[string]any) (Args, error) {
	var args Args
	switch task {
	case models.TaskCreateSample:
		args = &CreateSampleArgs{}
	case models.TaskNuVs, models.TaskPathoscope:
		args = &AnalysisArgs{workflow: task}
	case models.TaskBuildIndex:
		args = &BuildIndexArgs{}
	default:
		return nil, &ValidationError{Field: "task", Message: fmt.Sprintf("unknown task %q", task)}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      args,
	})
	if err != nil {
		return nil, fmt.Errorf("create args decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, &ValidationError{Field: "args", Message: err.Error()}
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	return args, nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}
