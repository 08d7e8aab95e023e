package batchapi

import "strings"

// serviceFeeResourcePrefix marks bookkeeping lines the batch service adds on
// top of raw compute; they are excluded from cost aggregation.
const serviceFeeResourcePrefix = "service-fee"

// IsServiceFeeResource reports whether a resource type is a service-fee line.
func IsServiceFeeResource(resourceType string) bool {
	return strings.HasPrefix(resourceType, serviceFeeResourcePrefix)
}

var resourceUnits = map[string]string{
	"boot-disk/pd-ssd/1":           "mib * msec",
	"disk/local-ssd/preemptible/1": "mib * msec",
	"disk/local-ssd/nonpreemptible/1": "mib * msec",
	"disk/local-ssd/1":              "mib * msec",
	"disk/pd-ssd/1":                 "mb * msec",
	"compute/n1-nonpreemptible/1":   "mcpu * msec",
	"compute/n1-preemptible/1":      "mcpu * msec",
	"ip-fee/1024/1":                 "IP * msec",
	"memory/n1-nonpreemptible/1":    "mib * msec",
	"memory/n1-preemptible/1":       "mib * msec",
	"service-fee/1":                 "$/msec",
}

// ResourceUnit returns the measurement unit for a batch resource type.
// Unknown types fall back to the type itself.
func ResourceUnit(resourceType string) string {
	if unit, ok := resourceUnits[resourceType]; ok {
		return unit
	}
	return resourceType
}

// Namespace infers the deployment namespace a batch ran in, from the
// namespace attribute when present, otherwise from the submitting user's
// access level.
func (b Batch) Namespace() string {
	if ns := b.Attributes["namespace"]; ns != "" {
		return ns
	}
	switch {
	case strings.Contains(b.User, "test"):
		return "test"
	case strings.Contains(b.User, "standard"), strings.Contains(b.User, "full"):
		return "main"
	}
	return ""
}
