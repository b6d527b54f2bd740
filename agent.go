package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const systemPrompt = `You are a file system analysis assistant. You MUST follow these strict rules:

CRITICAL RULES FOR CALCULATE EXPRESSIONS:
1. ONLY use these basic Python constructs: sum(), len(), basic arithmetic (+, -, *, /), and simple if conditions
2. NEVER use: any(), all(), list comprehensions, nested functions, complex logic
3. ONLY use simple string methods: .lower(), .endswith()
4. ALWAYS use simple OR conditions for multiple file types: file.lower().endswith('.png') or file.lower().endswith('.jpg')
5. NEVER use parentheses beyond what's absolutely necessary
6. ALWAYS test your expression mentally before outputting

The file_info dictionary contains:
- file_info['file_sizes']: dict mapping file paths to sizes in bytes
- file_info['file_types']: dict mapping extensions to counts
- file_info['total_files']: total number of files
- file_info['total_directories']: total number of directories

RESPONSE FORMAT:
- For COUNTING files (how many): Answer directly with the number from file_info['file_types']
- For CALCULATING sizes (how much space): Start with "CALCULATE:" followed by a SIMPLE Python expression

CRITICAL: Pay attention to the question type:
- "number of", "count of", "how many" = COUNTING (use file_info['file_types'])
- "size of", "space used", "total size" = CALCULATING (use CALCULATE: expression)

EXAMPLES:
- Question: "How many image files?" → Answer: 15 (the actual number)
- Question: "What is the total size of image files?" → Answer: "CALCULATE: ` + imageSizeExpr + `"

SAFE EXPRESSION PATTERNS (use these exact patterns):
- COUNTING image files: Answer directly with the number: ` + imageCountExpr + `
- COUNTING Python files: Answer directly with the number: file_info['file_types'].get('.py', 0)
- CALCULATING image file sizes: "CALCULATE: ` + imageSizeExpr + `"
- CALCULATING Python file sizes: "CALCULATE: ` + pythonSizeExpr + `"
- Average size: "CALCULATE: ` + averageSizeExpr + `"

REMEMBER: Keep it SIMPLE. If in doubt, use the exact patterns above.
`

const correctionSystemPrompt = `You are a Python expert. You MUST generate ONLY simple, safe Python expressions.

CRITICAL: Use ONLY these exact patterns:
- For image files: ` + imageSizeExpr + `
- For Python files: ` + pythonSizeExpr + `
- For average: ` + averageSizeExpr + `

NEVER use: any(), all(), filter(), map(), list comprehensions, or complex logic.
ALWAYS start with "CALCULATE:" followed by the expression.`

const simplerSystemPrompt = "You are a Python expert. Generate simple, working Python expressions."

const (
	imageSizeExpr   = "sum(size for file, size in file_info['file_sizes'].items() if file.lower().endswith('.png') or file.lower().endswith('.jpg') or file.lower().endswith('.jpeg') or file.lower().endswith('.gif') or file.lower().endswith('.bmp') or file.lower().endswith('.svg') or file.lower().endswith('.webp') or file.lower().endswith('.tiff'))"
	imageCountExpr  = "file_info['file_types'].get('.png', 0) + file_info['file_types'].get('.jpg', 0) + file_info['file_types'].get('.jpeg', 0) + file_info['file_types'].get('.gif', 0) + file_info['file_types'].get('.bmp', 0) + file_info['file_types'].get('.svg', 0) + file_info['file_types'].get('.webp', 0) + file_info['file_types'].get('.tiff', 0)"
	pythonSizeExpr  = "sum(size for file, size in file_info['file_sizes'].items() if file.lower().endswith('.py'))"
	averageSizeExpr = "sum(file_info['file_sizes'].values()) / len(file_info['file_sizes']) if file_info['file_sizes'] else 0"
)

const (
	errUnsafeExpression = "Error: Generated expression does not match safe patterns. Please try a simpler question."
	noMatchSuffix       = " (no matching files found)"
)

// Agent answers questions about a scanned directory with help from a completion model.
type Agent struct {
	client          CompletionClient
	tokenizer       Tokenizer // Optional
	maxPromptTokens int       // 0 disables the warning
}

func newAgent(client CompletionClient, tokenizer Tokenizer, maxPromptTokens int) *Agent {
	return &Agent{client: client, tokenizer: tokenizer, maxPromptTokens: maxPromptTokens}
}

// AnswerQuestion asks the model about the scan and evaluates any CALCULATE
// expression it returns. An error is returned only when the first completion
// call fails; every later failure is reported through the Answer.
func (a *Agent) AnswerQuestion(ctx context.Context, question string, result *ScanResult, rootPath string) (*Answer, error) {
	userPrompt, err := buildUserPrompt(question, result, rootPath)
	if err != nil {
		return nil, err
	}
	a.countPromptTokens(systemPrompt + userPrompt)

	reply, err := a.client.Complete(ctx, CompletionRequest{
		System:      systemPrompt,
		User:        userPrompt,
		MaxTokens:   500,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("error calling completion API: %w", err)
	}
	logger.Debug("model reply", zap.String("reply", reply))

	expr, isCalculation := splitCalculation(reply)
	if !isCalculation {
		return a.handleDirectAnswer(expr, result), nil
	}

	if err := validateExpression(expr); err != nil {
		logger.Warn("expression failed validation", zap.Error(err), zap.String("expression", expr))
		corrected, ok := splitCalculation(a.getCorrectedExpression(ctx, question, reply))
		if !ok {
			return &Answer{Kind: AnswerError, Text: errUnsafeExpression, Expression: expr}, nil
		}
		expr = corrected
	}
	return a.evaluateCalculation(ctx, expr, result), nil
}

func buildUserPrompt(question string, result *ScanResult, rootPath string) (string, error) {
	fileTypes := result.FileTypes
	if fileTypes == nil {
		fileTypes = map[string]int{}
	}
	typesJSON, err := json.MarshalIndent(fileTypes, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode file types: %w", err)
	}

	var b strings.Builder
	b.WriteString("Here is the file system information:\n\n")
	b.WriteString(createSummary(result, rootPath))
	b.WriteString("\n\nRaw data for precise calculations:\n")
	fmt.Fprintf(&b, "- File types: %s\n", typesJSON)
	fmt.Fprintf(&b, "- Total files: %d\n", result.TotalFiles)
	fmt.Fprintf(&b, "- Total directories: %d\n\n", result.TotalDirectories)
	fmt.Fprintf(&b, "Question: %s", question)
	return b.String(), nil
}

func (a *Agent) countPromptTokens(prompt string) {
	if a.tokenizer == nil {
		return
	}
	n := a.tokenizer.CountTokens(prompt)
	logger.Debug("prompt size", zap.Int("tokens", n), zap.Int("chars", len(prompt)))
	if a.maxPromptTokens > 0 && n > a.maxPromptTokens {
		logger.Warn("prompt exceeds configured token budget",
			zap.Int("tokens", n), zap.Int("max_prompt_tokens", a.maxPromptTokens))
	}
}

// evaluateCalculation evaluates expr against the scan, asking the model for a
// simpler expression once if the first attempt fails.
func (a *Agent) evaluateCalculation(ctx context.Context, expr string, result *ScanResult) *Answer {
	expr = fixCommonSyntaxIssues(expr)

	for attempt := 0; attempt < 2; attempt++ {
		v, err := evaluateAgainstScan(expr, result)
		if err == nil {
			return &Answer{Kind: AnswerResult, Text: formatResult(v), Value: v, Expression: expr}
		}

		if attempt == 0 {
			logger.Warn("first evaluation attempt failed, asking for a simpler expression",
				zap.Error(err), zap.String("expression", expr))
			if simpler := a.getSimplerExpression(ctx, expr, err.Error()); simpler != "" {
				expr = simpler
				continue
			}
		}

		return &Answer{
			Kind:       AnswerError,
			Text:       fmt.Sprintf("Error evaluating calculation: %v\nGenerated expression: %s\nPlease check the expression syntax.", err, expr),
			Expression: expr,
		}
	}
	return &Answer{Kind: AnswerError, Text: "Failed to evaluate expression after multiple attempts: " + expr, Expression: expr}
}

// getSimplerExpression returns "" when the model cannot be reached.
func (a *Agent) getSimplerExpression(ctx context.Context, failedExpr, errMsg string) string {
	user := fmt.Sprintf(`The following expression failed with error: %s

Failed expression: %s

Please generate a simpler, working Python expression that accomplishes the same goal.
Use only basic Python syntax, avoid complex nested expressions, and ensure proper parentheses matching.
Focus on readability and correctness.`, errMsg, failedExpr)

	reply, err := a.client.Complete(ctx, CompletionRequest{
		System:      simplerSystemPrompt,
		User:        user,
		MaxTokens:   200,
		Temperature: 0.1,
	})
	if err != nil {
		logger.Warn("failed to get simpler expression", zap.Error(err))
		return ""
	}
	// The model may or may not repeat the CALCULATE prefix.
	expr, _ := splitCalculation(reply)
	return expr
}

// getCorrectedExpression returns the raw reply, or "" when the model cannot be reached.
func (a *Agent) getCorrectedExpression(ctx context.Context, question, failedAnswer string) string {
	user := fmt.Sprintf(`The previous expression failed validation: %s

Question: %s

Please generate a CORRECTED expression using ONLY the safe patterns listed above. Start with "CALCULATE:" `, failedAnswer, question)

	reply, err := a.client.Complete(ctx, CompletionRequest{
		System:      correctionSystemPrompt,
		User:        user,
		MaxTokens:   150,
		Temperature: 0,
	})
	if err != nil {
		logger.Warn("failed to get corrected expression", zap.Error(err))
		return ""
	}
	return reply
}

// handleDirectAnswer evaluates a direct reply when it happens to be an
// expression and passes it through otherwise.
func (a *Agent) handleDirectAnswer(reply string, result *ScanResult) *Answer {
	v, err := evaluateAgainstScan(reply, result)
	if err != nil {
		logger.Debug("direct answer is not an expression", zap.Error(err))
		return &Answer{Kind: AnswerText, Text: reply}
	}
	return &Answer{Kind: AnswerResult, Text: "Result: " + pyStr(v), Value: v, Expression: reply}
}

// formatResult renders an evaluated value; numbers above 1 KiB are treated as byte counts.
func formatResult(v Value) string {
	if _, isBool := v.(bool); !isBool {
		if _, f, _, ok := toNumber(v); ok {
			switch {
			case f == 0:
				return "Result: " + pyStr(v) + noMatchSuffix
			case f > 1024:
				return fmt.Sprintf("Result: %s (%s bytes)", formatSize(f), groupThousands(v))
			}
		}
	}
	return "Result: " + pyStr(v)
}
