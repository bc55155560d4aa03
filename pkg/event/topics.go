package event

import "strings"

// RegistryTopic carries procedure added/removed events of top-level procedures.
const RegistryTopic = "/procedures"

const (
	statusSuffix = "/status"
	dataSuffix   = "/data"
	ackSuffix    = "/ack"
)

// ProcedureStatusTopic carries lifecycle events of one procedure.
func ProcedureStatusTopic(procUID string) string {
	return procedureRoot(procUID) + statusSuffix
}

// DataStreamStatusTopic carries lifecycle events of one datastream.
func DataStreamStatusTopic(procUID, outputName string) string {
	return dataStreamRoot(procUID, outputName) + statusSuffix
}

// DataStreamDataTopic carries data and observation events of one datastream.
func DataStreamDataTopic(procUID, outputName string) string {
	return dataStreamRoot(procUID, outputName) + dataSuffix
}

// CommandStreamStatusTopic carries lifecycle events of one command stream.
func CommandStreamStatusTopic(procUID, inputName string) string {
	return commandStreamRoot(procUID, inputName) + statusSuffix
}

// CommandDataTopic carries the commands sent to one command stream.
func CommandDataTopic(procUID, inputName string) string {
	return commandStreamRoot(procUID, inputName) + dataSuffix
}

// CommandAckTopic carries acknowledgments of one command stream.
func CommandAckTopic(procUID, inputName string) string {
	return commandStreamRoot(procUID, inputName) + ackSuffix
}

// FoiStatusTopic carries lifecycle events of one feature of interest.
func FoiStatusTopic(foiUID string) string {
	return "/foi/" + escape(foiUID) + statusSuffix
}

func procedureRoot(procUID string) string {
	return RegistryTopic + "/" + escape(procUID)
}

func dataStreamRoot(procUID, outputName string) string {
	return procedureRoot(procUID) + "/datastreams/" + escape(outputName)
}

func commandStreamRoot(procUID, inputName string) string {
	return procedureRoot(procUID) + "/controls/" + escape(inputName)
}

// UIDs may contain '/', which would break the topic hierarchy. '%' is
// escaped as well so that distinct UIDs never share a topic.
var topicEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

func escape(s string) string {
	return topicEscaper.Replace(s)
}
