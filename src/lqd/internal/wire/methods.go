package wire

// Methods accepted by the daemon.
const (
	MethodSymbolDocs       = "symbol_docs"
	MethodSymbolImpl       = "symbol_impl"
	MethodSymbolReferences = "symbol_references"
	MethodSymbolResolve    = "symbol_resolve"
	MethodStatus           = "status"
	MethodStop             = "stop"
	MethodLogs             = "logs"
)
