// Package constant defines small fixed identifiers shared across the gateway.
package constant

const (
	// ProviderAmazonQ identifies the Amazon Q Developer upstream.
	ProviderAmazonQ = "amazonq"
)
