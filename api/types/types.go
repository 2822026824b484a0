package types

var (
	BuildVersion string
	BuildTime    string
)

// Version is the version struct
type Version struct {
	APIVersion     string `json:"api_version,omitempty"`
	OSType         string `json:"os_type,omitempty"`
	BuilderVersion string `json:"builder_version,omitempty"`
}

// swagger:response genericError
type GenericError struct {
	Error string `json:"error"`
}

// SymbolicateRequest asks for a batch of crash addresses to be resolved
// against one device/version/build identity.
type SymbolicateRequest struct {
	Addresses []string `json:"addresses" binding:"required"`
	Device    string   `json:"device" binding:"required"`
	Version   string   `json:"version" binding:"required"`
	Build     string   `json:"build,omitempty"`
	Tolerance string   `json:"tolerance,omitempty"`
}

// ScanRequest asks the daemon to make a firmware's symbol table resident.
type ScanRequest struct {
	Device  string `json:"device" binding:"required"`
	Version string `json:"version" binding:"required"`
	Build   string `json:"build,omitempty"`
	Force   bool   `json:"force,omitempty"`
}
