package constant

// Service identity reported by /api/info
const ServiceTitle = "MNIST Classification API"
const ServiceVersion = "1.0.0"

// HeaderRequestIDKey carries the per-request log ID
const HeaderRequestIDKey = "X-Request-Id"

// MaxPayloadSize is used when server.maxdatasize is unset, in MB
const MaxPayloadSize = 4

// UploadFormField is the multipart field of /predict/upload
const UploadFormField = "file"
