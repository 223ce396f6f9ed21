package camera

import "strings"

// Known label terms per side. Browsers/drivers rarely expose the
// facing side directly, so classification works on the human-readable
// device name, the same way stream errors get classified by message
// heuristics elsewhere.
var (
	rearLabelTerms = []string{
		"rear",
		"back",
		"rück",
		"arrière",
		"trasera",
		"trás",
		"traseira",
		"posteriore",
		"后面",
		"後面",
		"背面",
		"后置",
		"後置",
		"背置",
		"задней",
		"الخلفية",
		"후",
		"arka",
		"achterzijde",
		"หลัง",
		"baksidan",
		"bagside",
		"sau",
		"bak",
		"tylny",
		"takakamera",
		"belakang",
		"אחורית",
	}
	frontLabelTerms = []string{
		"front",
		"user",
		"face",
		"vorder",
		"avant",
		"delantera",
		"frontal",
		"frente",
		"anteriore",
		"前面",
		"前置",
		"передней",
		"الأمامية",
		"전면",
		"ön",
		"voorzijde",
		"หน้า",
		"framsidan",
		"forside",
		"trước",
		"przedni",
		"etukamera",
		"depan",
		"קדמית",
	}
)

// facingFromLabel pattern-matches a device label against known terms
// for rear and front cameras. Rear terms are checked first; an
// ambiguous or silent label yields FacingUnknown.
func facingFromLabel(label string) Facing {
	lower := strings.ToLower(label)
	for _, term := range rearLabelTerms {
		if strings.Contains(lower, term) {
			return FacingEnvironment
		}
	}
	for _, term := range frontLabelTerms {
		if strings.Contains(lower, term) {
			return FacingUser
		}
	}
	return FacingUnknown
}
