package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"corpora/internal/chat"
)

var flagK int

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions about the corpus in a plain terminal loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagK <= 0 {
			flagK = cfg.TopK
		}

		snap, ret, err := openRetriever(cfg)
		if err != nil {
			return err
		}
		defer snap.Close()

		chatClient, err := chat.New(cfg)
		if err != nil {
			return err
		}

		fmt.Println("corpora chat (type /help for commands, /exit to quit)")
		fmt.Println()

		var history []chat.Message
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			question := strings.TrimSpace(scanner.Text())
			if question == "" {
				continue
			}

			switch question {
			case "/exit", "/quit":
				fmt.Println("Goodbye! Keep exploring the writings.")
				return nil
			case "/clear":
				history = nil
				fmt.Println("Conversation cleared.")
				continue
			case "/help":
				fmt.Println("Commands:")
				fmt.Println("  /clear  - clear conversation history")
				fmt.Println("  /exit   - quit chat")
				fmt.Println("  /help   - show this help")
				continue
			}

			ctx := context.Background()
			contexts, err := ret.Retrieve(ctx, question, flagK)
			if err != nil {
				fmt.Fprintf(os.Stderr, "retrieval error: %v\n", err)
				continue
			}
			answer, err := chatClient.Answer(ctx, question, contexts, history)
			if err != nil {
				fmt.Fprintf(os.Stderr, "chat error: %v\n", err)
				continue
			}

			fmt.Println()
			fmt.Println(answer)
			if len(contexts) > 0 {
				fmt.Println()
				fmt.Println("Supporting references:")
				for _, c := range contexts {
					fmt.Printf("  • %s – page %d (score %.2f)\n", c.Volume, c.Page, c.Score)
				}
			}
			fmt.Println()

			history = append(history, chat.Message{Role: "user", Content: question})
			history = append(history, chat.Message{Role: "assistant", Content: answer})
			if len(history) > 20 {
				history = history[len(history)-20:]
			}
		}
		return scanner.Err()
	},
}

func init() {
	chatCmd.Flags().IntVar(&flagK, "k", 0, "number of passages to retrieve per question (default TOP_K)")
	rootCmd.AddCommand(chatCmd)
}
