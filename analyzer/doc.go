// Package analyzer extracts capability requirements from free-form task
// text with a language model.
//
// An [Oracle] returns an [Analysis]: the capability types a task needs plus
// a suggested priority, complexity and duration. [LLMOracle] implements it
// over any [Completer]; adapters exist for Bedrock Converse, Anthropic,
// OpenAI and Gemini.
//
//	c, _ := analyzer.NewBedrockCompleter(ctx, analyzer.BedrockConfig{
//		Region: "us-east-1",
//		Model:  "anthropic.claude-3-haiku-20240307-v1:0",
//	})
//	var o analyzer.Oracle = analyzer.NewLLMOracle(c, analyzer.WithCatalog(catalog))
//	o = analyzer.NewLimited(analyzer.NewBreaker(o, c.Name(), analyzer.BreakerConfig{}, logger), 60, 5)
//
// Replies are untrusted. Capability names the catalog does not know are
// dropped, and unknown priorities are left empty.
package analyzer
