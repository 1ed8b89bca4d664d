package ledger

// evidenceAnchorABI is the interface of the EvidenceAnchor contract.
const evidenceAnchorABI = `[
  {"type":"function","name":"anchor","stateMutability":"nonpayable",
   "inputs":[{"name":"fingerprint","type":"bytes32"},{"name":"metadata","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"anchorBatch","stateMutability":"nonpayable",
   "inputs":[{"name":"fingerprints","type":"bytes32[]"},{"name":"metadata","type":"string[]"}],
   "outputs":[]},
  {"type":"function","name":"isAnchored","stateMutability":"view",
   "inputs":[{"name":"fingerprint","type":"bytes32"}],
   "outputs":[{"name":"anchored","type":"bool"},{"name":"timestamp","type":"uint256"}]},
  {"type":"function","name":"verifyIntegrity","stateMutability":"view",
   "inputs":[{"name":"fingerprint","type":"bytes32"},{"name":"expectedTimestamp","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Anchored","anonymous":false,
   "inputs":[{"name":"fingerprint","type":"bytes32","indexed":true},
             {"name":"submitter","type":"address","indexed":true},
             {"name":"timestamp","type":"uint256","indexed":false},
             {"name":"metadata","type":"string","indexed":false}]},
  {"type":"event","name":"BatchAnchored","anonymous":false,
   "inputs":[{"name":"submitter","type":"address","indexed":true},
             {"name":"requestedCount","type":"uint256","indexed":false},
             {"name":"timestamp","type":"uint256","indexed":false}]}
]`
