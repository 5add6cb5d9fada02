package config

// DefaultValues is the base configuration every deployment starts from.
const DefaultValues = `
[Log]
Environment = "development"
Level = "info"
Outputs = ["stdout"]

[Matching]
DiscoveryInterval = "5s"
LockTimeout = "1800s"

[Batch]
MaxOrdersPerBatch = 100
BatchInterval = "30s"

[Chain]
RPCURL = "http://localhost:8545"
BridgeAddress = "0x0000000000000000000000000000000000000000"
VerifierAddress = "0x0000000000000000000000000000000000000000"
OperatorKeyPath = ""
OperatorKeyPassword = ""
Confirmations = 2
SubmitPollInterval = "10s"
SubmitMaxBackoff = "5m"

[Prover]
Mode = "mvp"
Endpoint = ""

[Database]
URL = ""

[Events]
NATSURL = ""

[Metrics]
Addr = ":9091"

[Server]
HTTPAddr = ":8080"
DefaultPageLimit = 25
MaxPageLimit = 100
`
