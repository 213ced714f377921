package protocol

// RACP (Record Access Control Point) opcodes and operators, per the GATT
// glucose profile.
const (
	racpOpReportStoredRecords = 0x01
	racpOperatorAllRecords    = 0x01
)

// ReportAllRecords returns the RACP command requesting every stored record.
// The command must be written to the RACP characteristic only after its
// notify subscription is active, or responses may be missed.
func ReportAllRecords() []byte {
	return []byte{racpOpReportStoredRecords, racpOperatorAllRecords}
}
