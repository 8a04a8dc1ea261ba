package ipanon

import "encoding/json"

// Report is the JSON-serializable form of a frozen Mapping (spec §3.3:
// "may be re-emitted as a JSON report"; supplemented per SPEC_FULL §3).
type Report struct {
	IPv4 map[string]string `json:"ipv4"`
	IPv6 map[string]string `json:"ipv6"`

	// HighFrequencyPrefixesV4/V6 list the prefixes the pre-scan found
	// structure-preserved across the batch (spec §4.3.1 / §4.3.2).
	HighFrequencyPrefixesV4 []string `json:"high_frequency_prefixes_v4,omitempty"`
	HighFrequencyPrefixesV6 []string `json:"high_frequency_prefixes_v6,omitempty"`

	Unparsed []string `json:"unparsed_addresses,omitempty"`
}

// Report builds the JSON report for this mapping.
func (m *Mapping) Report() Report {
	return Report{
		IPv4:                    m.V4,
		IPv6:                    m.V6,
		HighFrequencyPrefixesV4: m.HighFreqV4,
		HighFrequencyPrefixesV6: m.HighFreqV6,
		Unparsed:                m.unparsed,
	}
}

// MarshalJSON renders the report as compact (not indented) JSON for
// writing to disk alongside a processed batch.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.Marshal(alias(r))
}
