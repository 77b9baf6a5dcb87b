// Copyright 2025 IndexFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"indexfs/internal/ipc"
	"indexfs/internal/txn"
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Apply and inspect reversible file transactions",
	Long: `Runs batch file operations as a single transaction: every operation
is journaled before execution, sources are fingerprinted, and a failed
batch can be rolled back to its pre-transaction state.

Deletes are staged, not destroyed; 'indexfs compact' purges staged
files past the retention window.`,
}

var txMoveCmd = &cobra.Command{
	Use:   "move <source> <dest> [<source> <dest> ...]",
	Short: "Move files as one reversible transaction",
	Long: `Moves each source to its destination. Arguments come in pairs; the
whole batch either applies or is rolled back.

Examples:
  indexfs tx move ~/inbox/a.pdf ~/archive/a.pdf
  indexfs tx move a.txt x/a.txt b.txt x/b.txt --leave-symlink`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 || len(args)%2 != 0 {
			return fmt.Errorf("arguments must be <source> <dest> pairs")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ops := make([]txn.Operation, 0, len(args)/2)
		for i := 0; i+1 < len(args); i += 2 {
			ops = append(ops, txn.Operation{
				Kind:         txn.OpMove,
				Source:       args[i],
				Dest:         args[i+1],
				Overwrite:    txOverwrite,
				LeaveSymlink: txLeaveSymlink,
			})
		}
		return runTxBatch(ops)
	},
}

var txDeleteCmd = &cobra.Command{
	Use:   "delete <path> [<path> ...]",
	Short: "Delete files reversibly (staged, not destroyed)",
	Long: `Moves each path into the staging area instead of unlinking it. A
rolled-back delete restores the original file bit for bit.

Examples:
  indexfs tx delete ~/tmp/big.iso
  indexfs tx delete a.log b.log c.log`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ops := make([]txn.Operation, 0, len(args))
		for _, path := range args {
			ops = append(ops, txn.Operation{Kind: txn.OpDelete, Source: path})
		}
		return runTxBatch(ops)
	},
}

var txSymlinkCmd = &cobra.Command{
	Use:   "symlink <target> <link>",
	Short: "Create a symlink as part of the transaction log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTxBatch([]txn.Operation{
			{Kind: txn.OpSymlink, Source: args[0], Dest: args[1]},
		})
	},
}

var txRollbackCmd = &cobra.Command{
	Use:   "rollback <transaction-id>",
	Short: "Roll back an applied or interrupted transaction",
	Long: `Reverses a transaction's applied operations in reverse order,
verifying fingerprints before each restore. Interrupted transactions
recovered from the journal at startup can be rolled back here.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()
		defer svc.Close()

		tx, err := svc.GetTransaction(args[0])
		if err != nil {
			return fmt.Errorf("transaction %s: %w", args[0], err)
		}
		if err := svc.Rollback(context.Background(), tx); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		fmt.Printf("Transaction %s rolled back.\n", tx.ID)
		return nil
	},
}

var txListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// A running watcher also tracks transactions recovered from its
		// journal; prefer its view.
		if client, err := ipc.Connect(); err == nil {
			defer client.Close()
			resp, err := client.Send(&ipc.Request{Type: ipc.RequestTxList, Window: txWindow})
			if err == nil && resp.Success {
				if len(resp.Transactions) == 0 {
					fmt.Println("No transactions in window.")
					return nil
				}
				for _, tx := range resp.Transactions {
					fmt.Printf("%s  %-12s  %d op(s)  %s\n",
						tx.ID, tx.Status, tx.Ops, tx.UpdatedAt.Format(time.RFC3339))
					if tx.Error != "" {
						fmt.Printf("    error: %s\n", tx.Error)
					}
				}
				return nil
			}
		}

		svc, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()
		defer svc.Close()

		txs, err := svc.ListRecentTransactions(context.Background(), txWindow)
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			fmt.Println("No transactions in window.")
			return nil
		}
		for _, tx := range txs {
			fmt.Printf("%s  %-12s  %d op(s)  %s\n",
				tx.ID, tx.Status, len(tx.Ops), tx.UpdatedAt.Format(time.RFC3339))
			if tx.Error != "" {
				fmt.Printf("    error: %s\n", tx.Error)
			}
		}
		return nil
	},
}

var txShowCmd = &cobra.Command{
	Use:   "show <transaction-id>",
	Short: "Show one transaction's operations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()
		defer svc.Close()

		tx, err := svc.GetTransaction(args[0])
		if err != nil {
			return fmt.Errorf("transaction %s: %w", args[0], err)
		}
		printTransaction(tx)
		return nil
	},
}

var (
	txOverwrite    bool
	txLeaveSymlink bool
	txNoRollback   bool
	txWindow       time.Duration
)

func init() {
	txMoveCmd.Flags().BoolVar(&txOverwrite, "overwrite", false, "Replace existing destination files")
	txMoveCmd.Flags().BoolVar(&txLeaveSymlink, "leave-symlink", false, "Leave a symlink at each source pointing to its destination")
	txListCmd.Flags().DurationVar(&txWindow, "window", 24*time.Hour, "How far back to list")

	for _, c := range []*cobra.Command{txMoveCmd, txDeleteCmd, txSymlinkCmd} {
		c.Flags().BoolVar(&txNoRollback, "no-rollback", false, "Leave a failed batch as-is instead of rolling it back")
	}

	txCmd.AddCommand(txMoveCmd, txDeleteCmd, txSymlinkCmd, txRollbackCmd, txListCmd, txShowCmd)
	rootCmd.AddCommand(txCmd)
}

// runTxBatch begins a transaction, adds every operation, commits, and
// rolls back on failure unless told otherwise.
func runTxBatch(ops []txn.Operation) error {
	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()
	defer svc.Close()

	ctx := context.Background()
	tx, err := svc.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := svc.AddOperation(tx, op); err != nil {
			return fmt.Errorf("%s %s: %w", op.Kind, op.Source, err)
		}
	}

	if err := svc.Commit(ctx, tx); err != nil {
		fmt.Printf("Transaction %s failed: %v\n", tx.ID, err)
		if txNoRollback {
			fmt.Println("Left as-is (--no-rollback); inspect with 'indexfs tx show'.")
			return err
		}
		if rbErr := svc.Rollback(ctx, tx); rbErr != nil {
			return fmt.Errorf("rollback also failed: %w (original: %v)", rbErr, err)
		}
		fmt.Println("Rolled back cleanly.")
		return err
	}

	fmt.Printf("Transaction %s applied (%d operation(s)).\n", tx.ID, len(tx.Ops))
	return nil
}

func printTransaction(tx *txn.Transaction) {
	fmt.Printf("Transaction: %s\n", tx.ID)
	fmt.Printf("Status: %s\n", tx.Status)
	fmt.Printf("Created: %s\n", tx.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated: %s\n", tx.UpdatedAt.Format(time.RFC3339))
	if tx.Error != "" {
		fmt.Printf("Error: %s\n", tx.Error)
	}
	for _, op := range tx.Ops {
		line := fmt.Sprintf("  [%d] %-8s %-12s %s", op.Seq, op.Kind, op.Status, op.Source)
		if op.Dest != "" {
			line += " -> " + op.Dest
		}
		fmt.Println(line)
		if op.StagedPath != "" {
			fmt.Printf("        staged: %s\n", op.StagedPath)
		}
		if op.Error != "" {
			fmt.Printf("        error: %s\n", op.Error)
		}
	}
}
