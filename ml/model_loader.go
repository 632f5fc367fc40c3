package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"opflow/contract"
)

// ModelFile is the file inside an artifact directory holding the model.
const ModelFile = "model.json"

const artifactVersion = 1

var adapters = map[Family]Adapter{
	FamilySVM:          svmAdapter{},
	FamilyGBDT:         gbdtAdapter{},
	FamilyLRBinary:     logisticAdapter{family: FamilyLRBinary},
	FamilyLRMulticlass: logisticAdapter{family: FamilyLRMulticlass},
	FamilyMLP:          mlpAdapter{},
}

// AdapterFor returns the adapter registered for family.
func AdapterFor(family Family) (Adapter, error) {
	adapter, ok := adapters[family]
	if !ok {
		return nil, contract.NewErrorf(contract.UnknownModelFamily, "no adapter for model family %q", family)
	}
	return adapter, nil
}

type artifact struct {
	Family       Family          `json:"family"`
	Version      int             `json:"format_version"`
	NumFeatures  int             `json:"num_features"`
	FeatureNames []string        `json:"feature_names"`
	Labels       *LabelIndexer   `json:"labels,omitempty"`
	Classifier   json.RawMessage `json:"classifier"`
	SavedAt      time.Time       `json:"saved_at"`
}

// Save writes the model into dir, which must already exist.
func (m *Model) Save(dir string) error {
	if m.Classifier == nil {
		return errors.New("model not trained")
	}
	state, err := json.Marshal(m.Classifier)
	if err != nil {
		return fmt.Errorf("encode %s model: %w", m.Family, err)
	}
	payload, err := json.Marshal(artifact{
		Family:       m.Family,
		Version:      artifactVersion,
		NumFeatures:  m.NumFeatures,
		FeatureNames: m.FeatureNames,
		Labels:       m.Labels,
		Classifier:   state,
		SavedAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ModelFile), payload, 0o600)
}

// LoadModel reads the artifact at path and checks it belongs to family.
func LoadModel(family Family, path string) (*Model, error) {
	adapter, err := AdapterFor(family)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(filepath.Join(path, ModelFile))
	if err != nil {
		return nil, contract.NewErrorWith(contract.ArtifactLoad, fmt.Sprintf("read model at %s", path), err)
	}
	var a artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, contract.NewErrorWith(contract.ArtifactLoad, fmt.Sprintf("decode model at %s", path), err)
	}
	if a.Version != artifactVersion {
		return nil, contract.NewErrorf(contract.ArtifactLoad, "model at %s has format version %d, expected %d", path, a.Version, artifactVersion)
	}
	if a.Family != family {
		return nil, contract.NewErrorf(contract.ArtifactLoad, "model at %s is a %s model, expected %s", path, a.Family, family)
	}
	if adapter.IndexesLabels() && (a.Labels == nil || a.Labels.NumClasses() == 0) {
		return nil, contract.NewErrorf(contract.ArtifactLoad, "model at %s has no label index", path)
	}
	clf := adapter.EmptyClassifier()
	if err := json.Unmarshal(a.Classifier, clf); err != nil {
		return nil, contract.NewErrorWith(contract.ArtifactLoad, fmt.Sprintf("decode %s classifier at %s", family, path), err)
	}
	if v, ok := clf.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, contract.NewErrorWith(contract.ArtifactLoad, fmt.Sprintf("invalid %s classifier at %s", family, path), err)
		}
	}
	if a.Labels != nil {
		a.Labels.buildIndex()
	}
	return &Model{
		Family:       a.Family,
		NumFeatures:  a.NumFeatures,
		FeatureNames: a.FeatureNames,
		Labels:       a.Labels,
		Classifier:   clf,
	}, nil
}
