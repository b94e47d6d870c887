package analyzer

import (
	"fmt"
	"strings"
)

var sectorKeywords = map[string][]string{
	"Telecom infrastructure":       {"fiber", "ftth", "5g", "4g", "lte", "network", "telecommunications", "tower", "antenna", "base station", "optical", "cable", "ألياف", "اتصالات", "أبراج", "هوائي"},
	"Data center & cloud":          {"data center", "cloud", "server", "storage", "virtualization", "hosting", "colocation", "iaas", "paas", "saas", "datacenter", "مركز بيانات", "سحابة", "خوادم", "استضافة"},
	"Contact center / call center": {"contact center", "call center", "customer service", "ivr", "crm", "helpdesk", "support center", "voice", "telephony", "مركز اتصال", "خدمة العملاء", "هاتف"},
	"Networking & security":        {"router", "switch", "firewall", "vpn", "security", "cybersecurity", "wan", "lan", "mpls", "sd-wan", "cisco", "juniper", "شبكة", "شبكات", "أمن المعلومات", "جدار ناري"},
	"Smart city / IoT":             {"smart city", "iot", "internet of things", "sensors", "automation", "surveillance", "traffic management", "monitoring", "مدينة ذكية", "حساسات", "مراقبة", "أتمتة"},
}

var governmentMarkers = []string{"وزارة", "هيئة", "ministry", "authority", "بلدية", "الإدارة العامة"}

// KeywordScore rates text by sector keyword hits. It stands in for the
// model when the model cannot be reached.
func KeywordScore(text, entity string) *Analysis {
	lower := strings.ToLower(text)
	var keywords []string
	var sectors []string
	seen := map[string]bool{}
	for _, sector := range Sectors {
		matched := false
		for _, kw := range sectorKeywords[sector] {
			if !strings.Contains(lower, kw) {
				continue
			}
			matched = true
			if !seen[kw] {
				seen[kw] = true
				keywords = append(keywords, kw)
			}
		}
		if matched {
			sectors = append(sectors, sector)
		}
	}

	out := &Analysis{Sectors: sectors}
	switch n := len(keywords); {
	case n >= 3:
		out.RelevanceScore, out.Confidence = RelevanceVeryHigh, 0.85
	case n == 2:
		out.RelevanceScore, out.Confidence = RelevanceHigh, 0.70
	case n == 1:
		out.RelevanceScore, out.Confidence = RelevanceMedium, 0.55
	default:
		out.RelevanceScore, out.Confidence = RelevanceLow, 0.40
	}
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	out.Keywords = keywords

	out.RecommendedTeam = TeamCorporate
	e := strings.ToLower(entity + " " + firstLine(text))
	for _, m := range governmentMarkers {
		if strings.Contains(e, m) {
			out.RecommendedTeam = TeamGovernment
			break
		}
	}
	out.Reasoning = fmt.Sprintf("Found %d relevant keywords in the notice text.", len(seen))
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
