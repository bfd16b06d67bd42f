package deid

import "strings"

// Category enumerates the eighteen Safe-Harbor identifier categories. A
// record is only forwarded downstream once every category present in it
// has been actioned or explicitly configured as retained.
type Category string

const (
	CategoryName        Category = "name"
	CategoryGeographic  Category = "geographic"
	CategoryDate        Category = "date"
	CategoryPhone       Category = "phone"
	CategoryFax         Category = "fax"
	CategoryEmail       Category = "email"
	CategorySSN         Category = "ssn"
	CategoryMRN         Category = "mrn"
	CategoryHealthPlan  Category = "health_plan"
	CategoryAccount     Category = "account"
	CategoryCertificate Category = "certificate"
	CategoryVehicle     Category = "vehicle"
	CategoryDevice      Category = "device"
	CategoryURL         Category = "url"
	CategoryIP          Category = "ip"
	CategoryBiometric   Category = "biometric"
	CategoryPhoto       Category = "photo"
	CategoryOther       Category = "other"
)

// Categories lists all eighteen, in regulation order.
var Categories = []Category{
	CategoryName, CategoryGeographic, CategoryDate, CategoryPhone,
	CategoryFax, CategoryEmail, CategorySSN, CategoryMRN,
	CategoryHealthPlan, CategoryAccount, CategoryCertificate,
	CategoryVehicle, CategoryDevice, CategoryURL, CategoryIP,
	CategoryBiometric, CategoryPhoto, CategoryOther,
}

// Marker is the redaction marker substituted for free-text spans.
func Marker(c Category) string {
	return "[REDACTED-" + strings.ToUpper(string(c)) + "]"
}

// identifierCategory classifies a structured identifier by its
// assigning-authority type code.
func identifierCategory(typeCode string) Category {
	switch strings.ToUpper(typeCode) {
	case "MR", "MRN":
		return CategoryMRN
	case "SS", "SSN":
		return CategorySSN
	case "AN", "ACCT":
		return CategoryAccount
	case "PN", "PH":
		return CategoryPhone
	case "DL":
		return CategoryCertificate
	default:
		return CategoryOther
	}
}
