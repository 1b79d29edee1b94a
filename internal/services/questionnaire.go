package services

import (
	"fmt"
	"strconv"
	"strings"
)

// WelshQuestionnaireType is the alternate-language form minted alongside the
// primary link for bilingual treatment codes.
const WelshQuestionnaireType = 3

var continuationQuestionnaireTypes = map[string]bool{"11": true, "12": true, "14": true}

var questionnaireTypesByCountry = map[string]map[string]int{
	"HH": {"E": 1, "W": 2, "N": 4},
	"CI": {"E": 21, "W": 22, "N": 24},
	"CE": {"E": 31, "W": 32, "N": 34},
}

// QuestionnaireType derives the questionnaire type from a treatment code such
// as HH_LF3R2E. The prefix selects the address type, the last character the
// country.
func QuestionnaireType(treatmentCode string) (int, error) {
	code := strings.TrimSpace(treatmentCode)
	if len(code) < 4 || code[2] != '_' {
		return 0, NewInvalidError(fmt.Sprintf("unexpected treatment code %q", treatmentCode))
	}
	byCountry, ok := questionnaireTypesByCountry[code[:2]]
	if !ok {
		return 0, NewInvalidError(fmt.Sprintf("unknown address type in treatment code %q", treatmentCode))
	}
	qt, ok := byCountry[code[len(code)-1:]]
	if !ok {
		return 0, NewInvalidError(fmt.Sprintf("unknown country in treatment code %q", treatmentCode))
	}
	return qt, nil
}

// IsBilingual reports whether the treatment code gets a Welsh questionnaire
// in addition to the primary one.
func IsBilingual(treatmentCode string) bool {
	return strings.HasPrefix(treatmentCode, "HH_Q") && strings.HasSuffix(treatmentCode, "W")
}

// IsContinuationQuestionnaire reports whether the QID belongs to a
// continuation form. Receipting one never completes the case.
func IsContinuationQuestionnaire(qid string) bool {
	if len(qid) < 2 {
		return false
	}
	return continuationQuestionnaireTypes[qid[:2]]
}

// BuildQID lays out a questionnaire id: two digit type, tranche digit,
// eleven digit sequence number and two mod-97 check digits.
func BuildQID(questionnaireType, tranche int, seq int64) (string, error) {
	if questionnaireType < 1 || questionnaireType > 99 {
		return "", NewInvalidError(fmt.Sprintf("questionnaire type %d out of range", questionnaireType))
	}
	if tranche < 0 || tranche > 9 {
		return "", NewInvalidError(fmt.Sprintf("tranche %d out of range", tranche))
	}
	if seq < 0 || seq > 99999999999 {
		return "", NewInvalidError(fmt.Sprintf("qid sequence %d out of range", seq))
	}
	body := fmt.Sprintf("%02d%d%011d", questionnaireType, tranche, seq)
	return body + checkDigits(body), nil
}

// ValidQID checks the length, digits and check digits of a questionnaire id.
func ValidQID(qid string) bool {
	if len(qid) != 16 {
		return false
	}
	if _, err := strconv.ParseUint(qid, 10, 64); err != nil {
		return false
	}
	return checkDigits(qid[:14]) == qid[14:]
}

func checkDigits(body string) string {
	n, _ := strconv.ParseUint(body, 10, 64)
	return fmt.Sprintf("%02d", 98-(n*100)%97)
}
