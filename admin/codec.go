package admin

import "encoding/json"

// proposalDoc is the JSON document exchanged over the wire inside a
// ProposalSubmit's ProposalDoc field; it excludes locally-computed fields
// (Status, Votes, VoteComments, VoteTimestamps) that each receiving node
// derives for itself.
type proposalDoc struct {
	CircuitID     string        `json:"circuit_id"`
	CircuitHash   string        `json:"circuit_hash"`
	Type          ProposalType  `json:"type"`
	RequesterNode string        `json:"requester_node"`
	Members       []Member      `json:"members"`
	Services      []ServiceSpec `json:"services"`
}

func encodeProposalDoc(p Proposal) ([]byte, error) {
	return json.Marshal(proposalDoc{
		CircuitID:     p.CircuitID,
		CircuitHash:   p.CircuitHash,
		Type:          p.Type,
		RequesterNode: p.RequesterNode,
		Members:       p.Members,
		Services:      p.Services,
	})
}

func decodeProposalDoc(raw []byte) (Proposal, error) {
	var doc proposalDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Proposal{}, err
	}
	return Proposal{
		CircuitID:     doc.CircuitID,
		CircuitHash:   doc.CircuitHash,
		Type:          doc.Type,
		RequesterNode: doc.RequesterNode,
		Members:       doc.Members,
		Services:      doc.Services,
	}, nil
}

// encodeStringList/decodeStringList and encodeStringMap/decodeStringMap
// serialize the small auxiliary fields on a ServiceSpec (allowed_nodes,
// arguments) into the TEXT columns backing circuit_services; JSON keeps
// the schema itself free of a second normalized table for what is, in
// practice, a handful of entries per service.

func encodeStringList(v []string) string {
	if len(v) == 0 {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStringList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func encodeStringMap(v map[string]string) string {
	if len(v) == 0 {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStringMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	var out map[string]string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
