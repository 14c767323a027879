package rpcpb

// Full method names for the control-plane's enrollment and inventory
// services. The agent is purely a client of these; there is no local
// server implementation to describe with a grpc.ServiceDesc.
const (
	MethodEnrollAgent      = "/edgebit.v1alpha.EnrollmentService/EnrollAgent"
	MethodGetSessionToken  = "/edgebit.v1alpha.EnrollmentService/GetSessionToken"
	MethodUpsertWorkload   = "/edgebit.v1alpha.InventoryService/UpsertWorkload"
	MethodResetWorkloads   = "/edgebit.v1alpha.InventoryService/ResetWorkloads"
	MethodReportInUse      = "/edgebit.v1alpha.InventoryService/ReportInUse"
	MethodUploadSbom       = "/edgebit.v1alpha.InventoryService/UploadSbom"
)
