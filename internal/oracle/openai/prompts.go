package openai

import "OpenMCP-Assistant/internal/oracle"

const systemPrompt = "" +
	"You are the decision function of a multi-agent assistant that works on mail, calendar and messaging domains. " +
	"The user message is a JSON context object whose \"stage\" field tells you which decision to make. " +
	"Always answer with one JSON object and nothing else. Omit fields you do not need."

var stagePrompts = map[oracle.Stage]string{
	oracle.StageDecompose: "" +
		"Split user_text into an ordered list of single-domain commands: " +
		"{\"commands\":[{\"domain\":string,\"text\":string}],\"classification\":{\"write\":bool,\"cross_domain\":bool}}. " +
		"Use only domains listed in \"domains\". If awaiting_confirmation lists a domain and the user is answering it, " +
		"route the reply text verbatim to that domain.",
	oracle.StageFold: "" +
		"Merge latest_result into accumulated_knowledge as a short summary and decide the next step: " +
		"{\"accumulated_knowledge\":string,\"command_edits\":[{\"op\":\"append|insert_next|remove|reorder\",\"domain\":string,\"text\":string,\"order\":int,\"orders\":[int]}]," +
		"\"is_complete\":bool,\"needs_confirmation\":bool,\"confirmation_prompt\":string}.",
	oracle.StageInterpret: "" +
		"Turn command_text into tool calls using only \"operations\": " +
		"{\"tool_calls\":[{\"name\":string,\"parameters\":object}],\"undo\":bool,\"ambiguous_scope\":bool,\"response_message\":string}. " +
		"Set undo=true when the user asks to revert the last action.",
	oracle.StageReassess: "" +
		"Given working_data, the remaining tool_call_list and last_tool_result, decide what happens next: " +
		"{\"working_data_edits\":[{\"op\":\"set|delete\",\"key\":string,\"value\":any}]," +
		"\"tool_call_edits\":[{\"op\":\"append|insert_next|remove|clear\",\"name\":string,\"parameters\":object,\"order\":int}]," +
		"\"needs_confirmation\":bool,\"confirmation_prompt\":string,\"response_message\":string," +
		"\"pending_action\":{\"kind\":string,\"operation\":string,\"affected_item_ids\":[string],\"item_param\":string,\"parameters\":object}," +
		"\"last_action\":{\"kind\":string,\"affected_item_ids\":[string]},\"ambiguous_scope\":bool}. " +
		"Never queue a risky write without setting needs_confirmation and pending_action.",
	oracle.StageClassifyReply: "" +
		"Classify command_text as a reply to pending_action: {\"reply\":\"affirmative|negative|unrelated|unknown\"}.",
}
