package prompts

// EmptyResponseFallback is shown when the model ends a turn with
// neither text nor tool calls.
const EmptyResponseFallback = "The model returned an empty response."
