package certutil

import (
	"crypto/x509/pkix"
	"strings"
)

// NameToString converts name to string in OpenSSL style,
// e.g. "C=US, O=org, CN=name"
func NameToString(name *pkix.Name) string {
	var parts []string
	add := func(prefix string, vals []string) {
		for _, v := range vals {
			if v != "" {
				parts = append(parts, prefix+"="+v)
			}
		}
	}

	add("C", name.Country)
	add("ST", name.Province)
	add("L", name.Locality)
	add("O", name.Organization)
	add("OU", name.OrganizationalUnit)
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	if name.SerialNumber != "" {
		parts = append(parts, "SERIALNUMBER="+name.SerialNumber)
	}
	return strings.Join(parts, ", ")
}
