// Package oid provides display names for certificate key usages
package oid

import (
	"crypto/x509"
)

// keyUsages lists key usages in the order of the bits
var keyUsages = []struct {
	usage x509.KeyUsage
	name  string
}{
	{x509.KeyUsageDigitalSignature, "digital signature"},
	{x509.KeyUsageContentCommitment, "content commitment"},
	{x509.KeyUsageKeyEncipherment, "key encipherment"},
	{x509.KeyUsageDataEncipherment, "data encipherment"},
	{x509.KeyUsageKeyAgreement, "key agreement"},
	{x509.KeyUsageCertSign, "cert sign"},
	{x509.KeyUsageCRLSign, "crl sign"},
	{x509.KeyUsageEncipherOnly, "encipher only"},
	{x509.KeyUsageDecipherOnly, "decipher only"},
}

// ExtKeyUsageName provides map of names
var ExtKeyUsageName = map[x509.ExtKeyUsage]string{
	x509.ExtKeyUsageAny:                        "any",
	x509.ExtKeyUsageServerAuth:                 "server auth",
	x509.ExtKeyUsageClientAuth:                 "client auth",
	x509.ExtKeyUsageCodeSigning:                "code signing",
	x509.ExtKeyUsageEmailProtection:            "email protection",
	x509.ExtKeyUsageIPSECEndSystem:             "ipsec end system",
	x509.ExtKeyUsageIPSECTunnel:                "ipsec tunnel",
	x509.ExtKeyUsageIPSECUser:                  "ipsec user",
	x509.ExtKeyUsageTimeStamping:               "timestamping",
	x509.ExtKeyUsageOCSPSigning:                "ocsp signing",
	x509.ExtKeyUsageMicrosoftServerGatedCrypto: "microsoft sgc",
	x509.ExtKeyUsageNetscapeServerGatedCrypto:  "netscape sgc",
}

// KeyUsages returns list of names
func KeyUsages(ku x509.KeyUsage) []string {
	var list []string
	for _, k := range keyUsages {
		if ku&k.usage != 0 {
			list = append(list, k.name)
		}
	}
	return list
}

// ExtKeyUsages returns list of names, unknown usages are skipped
func ExtKeyUsages(eku ...x509.ExtKeyUsage) []string {
	var list []string
	for _, k := range eku {
		if name, ok := ExtKeyUsageName[k]; ok {
			list = append(list, name)
		}
	}
	return list
}

// CanSign returns true if the certificate allows signing of documents,
// the certificates without key usage extension are not restricted
func CanSign(crt *x509.Certificate) bool {
	if crt.KeyUsage == 0 {
		return true
	}
	return crt.KeyUsage&(x509.KeyUsageDigitalSignature|x509.KeyUsageContentCommitment) != 0
}
