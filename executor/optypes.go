package executor

import "opflow/ml"

// Operator type codes.
const (
	TypeQuantileDiscretizer = 4001
	TypeVectorIndexer       = 4002
	TypeStandardScaler      = 4003
	TypePCA                 = 4004
	TypeStringIndexer       = 4005

	TypeSVMBinary     = 6001
	TypeGBDTBinary    = 6002
	TypeLRBinary      = 6003
	TypeLRMulticlass  = 6004
	TypeMLPMulticlass = 6005
	TypePredict       = 7001
	TypeModelLoader   = 8000
)

var familyByType = map[int]ml.Family{
	TypeSVMBinary:     ml.FamilySVM,
	TypeGBDTBinary:    ml.FamilyGBDT,
	TypeLRBinary:      ml.FamilyLRBinary,
	TypeLRMulticlass:  ml.FamilyLRMulticlass,
	TypeMLPMulticlass: ml.FamilyMLP,
}

// FamilyForType maps a training operator type code to its model family.
func FamilyForType(typeID int) (ml.Family, bool) {
	f, ok := familyByType[typeID]
	return f, ok
}

var transformByType = map[int]ml.Transform{
	TypeQuantileDiscretizer: ml.TransformQuantile,
	TypeVectorIndexer:       ml.TransformVectorIndexer,
	TypeStandardScaler:      ml.TransformStandardScaler,
	TypePCA:                 ml.TransformPCA,
	TypeStringIndexer:       ml.TransformStringIndexer,
}

// TransformForType maps a feature engineering operator type code to its
// transform.
func TransformForType(typeID int) (ml.Transform, bool) {
	t, ok := transformByType[typeID]
	return t, ok
}
