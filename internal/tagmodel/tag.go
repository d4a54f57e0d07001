// Package tagmodel implements the numeric-tagged attribute set that the rest
// of the gateway operates on, plus the well-known tag dictionary used by
// validation, filter, routing, and anonymization rules.
//
// Tag naming follows the convention of the reference anonymization profile
// (codeninja55/go-radx's dicom/tag package): exported PascalCase constants
// holding a packed (group<<16)|element value.
package tagmodel

import "fmt"

// Tag is a packed (group<<16)|element identifier, ascending-sortable as a
// plain uint32.
type Tag uint32

// NewTag packs a group/element pair into a Tag.
func NewTag(group, element uint16) Tag {
	return Tag(uint32(group)<<16 | uint32(element))
}

// Group returns the tag's group number.
func (t Tag) Group() uint16 { return uint16(t >> 16) }

// Element returns the tag's element number.
func (t Tag) Element() uint16 { return uint16(t & 0xFFFF) }

// String renders a tag as "(gggg,eeee)" in lower-case hex, the conventional
// notation used by scripts and log lines.
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group(), t.Element())
}

// IsGroupLength reports whether the tag is a group-length element
// (element == 0x0000), excluded from the anonymized dataset by the
// streaming de-id path.
func (t Tag) IsGroupLength() bool {
	return t.Element() == 0x0000
}

// IsFileMetaGroup reports whether the tag belongs to the file-meta group
// (group == 0x0002), dropped rather than copied by the streaming path.
func (t Tag) IsFileMetaGroup() bool {
	return t.Group() == 0x0002
}

// Well-known tags referenced by the spec's validation/filter/routing rules,
// the anonymization verifier, and the audit diff's fixed PHI set.
var (
	PatientName               = NewTag(0x0010, 0x0010)
	PatientID                 = NewTag(0x0010, 0x0020)
	PatientBirthDate          = NewTag(0x0010, 0x0030)
	PatientBirthTime          = NewTag(0x0010, 0x0032)
	PatientSex                = NewTag(0x0010, 0x0040)
	PatientIdentityRemoved    = NewTag(0x0012, 0x0062)
	DeidentificationMethod    = NewTag(0x0012, 0x0063)
	OtherPatientIDs           = NewTag(0x0010, 0x1000)
	OtherPatientNames         = NewTag(0x0010, 0x1001)
	PatientComments           = NewTag(0x0010, 0x4000)

	StudyInstanceUID   = NewTag(0x0020, 0x000D)
	StudyDate          = NewTag(0x0008, 0x0020)
	StudyTime          = NewTag(0x0008, 0x0030)
	StudyID            = NewTag(0x0020, 0x0010)
	StudyDescription   = NewTag(0x0008, 0x1030)
	AccessionNumber    = NewTag(0x0008, 0x0050)
	ReferringPhysician = NewTag(0x0008, 0x0090)

	SeriesInstanceUID = NewTag(0x0020, 0x000E)
	SeriesDate        = NewTag(0x0008, 0x0021)
	SeriesTime        = NewTag(0x0008, 0x0031)
	SeriesNumber      = NewTag(0x0020, 0x0011)
	SeriesDescription = NewTag(0x0008, 0x103E)
	Modality          = NewTag(0x0008, 0x0060)

	SOPClassUID               = NewTag(0x0008, 0x0016)
	SOPInstanceUID            = NewTag(0x0008, 0x0018)
	MediaStorageSOPInstanceUID = NewTag(0x0002, 0x0003)
	TransferSyntaxUID         = NewTag(0x0002, 0x0010)

	InstitutionName   = NewTag(0x0008, 0x0080)
	StationName       = NewTag(0x0008, 0x1010)
	DeviceSerialNumber = NewTag(0x0018, 0x1000)
	OperatorsName     = NewTag(0x0008, 0x1070)

	PixelData = NewTag(0x7FE0, 0x0010)

	InstanceCreationDate = NewTag(0x0008, 0x0012)
	InstanceCreationTime = NewTag(0x0008, 0x0013)
	ContentDate          = NewTag(0x0008, 0x0023)
	ContentTime          = NewTag(0x0008, 0x0033)
	AcquisitionDate      = NewTag(0x0008, 0x0022)
	AcquisitionTime      = NewTag(0x0008, 0x0032)
)

// wellKnownNames maps the bounded set of names a rule may reference in
// place of a raw "gggg,eeee" literal, per §4.H.
var wellKnownNames = map[string]Tag{
	"PatientName":        PatientName,
	"PatientID":          PatientID,
	"PatientBirthDate":   PatientBirthDate,
	"PatientSex":         PatientSex,
	"StudyInstanceUID":   StudyInstanceUID,
	"StudyDate":          StudyDate,
	"StudyTime":          StudyTime,
	"StudyID":            StudyID,
	"StudyDescription":   StudyDescription,
	"AccessionNumber":    AccessionNumber,
	"SeriesInstanceUID":  SeriesInstanceUID,
	"SeriesDate":         SeriesDate,
	"SeriesDescription":  SeriesDescription,
	"Modality":           Modality,
	"SOPClassUID":        SOPClassUID,
	"SOPInstanceUID":     SOPInstanceUID,
	"InstitutionName":    InstitutionName,
	"StationName":        StationName,
	"DeviceSerialNumber": DeviceSerialNumber,
}

// PHISet is the fixed set of tags the audit diff treats as protected health
// information, per the GLOSSARY's PHI entry.
var PHISet = map[Tag]bool{
	PatientName:        true,
	PatientID:          true,
	PatientBirthDate:   true,
	PatientBirthTime:   true,
	OtherPatientIDs:    true,
	OtherPatientNames:  true,
	PatientComments:    true,
	ReferringPhysician: true,
	AccessionNumber:    true,
	InstitutionName:    true,
	StationName:        true,
	DeviceSerialNumber: true,
	OperatorsName:      true,
	StudyInstanceUID:   true,
	SeriesInstanceUID:  true,
	SOPInstanceUID:     true,
}

// IsPHI reports whether t is in the fixed PHI tag set.
func IsPHI(t Tag) bool {
	return PHISet[t]
}

// ParseRef resolves a rule's tag reference, either "gggg,eeee" hex or one of
// the bounded well-known names, to a Tag.
func ParseRef(ref string) (Tag, bool) {
	if t, ok := wellKnownNames[ref]; ok {
		return t, true
	}
	return parseHexPair(ref)
}

func parseHexPair(ref string) (Tag, bool) {
	var group, element uint16
	n, err := fmt.Sscanf(ref, "%04x,%04x", &group, &element)
	if err != nil || n != 2 {
		// also accept the "(gggg,eeee)" bracketed form
		n, err = fmt.Sscanf(ref, "(%04x,%04x)", &group, &element)
		if err != nil || n != 2 {
			return 0, false
		}
	}
	return NewTag(group, element), true
}
