// pillboxctl is a utility program for managing pillbox users, devices and
// schedules from a terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pillbox/dblayer"
	"pillbox/dbtypes"
	"pillbox/devices"
	"pillbox/docstore"
	"pillbox/envflag"
	"pillbox/monitor"
	"pillbox/schedule"
	"pillbox/session"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var cmdRoot = &cobra.Command{
	Use:          "pillboxctl",
	SilenceUsage: true,
}

var (
	dataProject string
	badgerDir   string
	email       string
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&dataProject, "data-project", envflag.String("PILLBOX_DATA_PROJECT", ""), "GCP project that contains the application state.  If empty, --badger-dir is used.")
	cmdRoot.PersistentFlags().StringVar(&badgerDir, "badger-dir", envflag.String("PILLBOX_BADGER_DIR", ""), "Directory of a local Badger database.")
	cmdRoot.PersistentFlags().StringVar(&email, "email", envflag.String("PILLBOX_EMAIL", ""), "Email of the user to act as.")
	cmdRoot.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

// env is what every command works with.
type env struct {
	store docstore.Store
	db    *dblayer.DB
}

func openEnv(ctx context.Context) (*env, error) {
	store, err := docstore.Open(ctx, dataProject, badgerDir)
	if err != nil {
		return nil, fmt.Errorf("while opening document store: %w", err)
	}
	return &env{store: store, db: dblayer.New(store, "")}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		glog.Errorf("Error while closing store: %v", err)
	}
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("while reading password: %w", err)
	}
	return string(pass), nil
}

// signIn asks for the password of --email and returns the signed-in session.
func (e *env) signIn(ctx context.Context) (*session.Context, error) {
	if email == "" {
		return nil, errors.New("--email is required")
	}
	pass, err := readPassword("Contraseña: ")
	if err != nil {
		return nil, err
	}
	sess, err := e.db.SessionFromPassword(ctx, email, pass)
	if err != nil {
		return nil, fmt.Errorf("while signing in: %w", err)
	}
	return session.New(sess.UID), nil
}

// withEnv runs f with an open store, and a context cancelled by SIGINT.
func withEnv(f func(ctx context.Context, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		return f(ctx, e, args)
	}
}

var (
	registerFullName string
	registerRole     string
)

var cmdRegister = &cobra.Command{
	Use:   "register",
	Short: "Register the user named by --email",
	RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
		pass, err := readPassword("Contraseña nueva: ")
		if err != nil {
			return err
		}
		uid, err := e.db.Register(ctx, email, pass, registerFullName, registerRole)
		if err != nil {
			return fmt.Errorf("while registering: %w", err)
		}
		fmt.Println(uid)
		return nil
	}),
}

func init() {
	cmdRegister.Flags().StringVar(&registerFullName, "name", "", "Full name.")
	cmdRegister.Flags().StringVar(&registerRole, "role", dbtypes.RolePatient, `"Paciente" or "Cuidador".`)
}

var cmdPatients = &cobra.Command{
	Use:   "patients",
	Short: "List the patients devices can be linked to",
	RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
		patients, err := e.db.ListPatients(ctx)
		if err != nil {
			return err
		}
		for _, p := range patients {
			fmt.Printf("%s\t%s\n", p.UID, p.Name)
		}
		return nil
	}),
}

var (
	linkPatient string
	linkName    string
)

var cmdLink = &cobra.Command{
	Use:   "link DEVICE-ID",
	Short: "Link a device to a patient, with the signed-in user as caregiver",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
		sess, err := e.signIn(ctx)
		if err != nil {
			return err
		}
		if errs := devices.Validate(args[0], linkName); errs != nil {
			for _, msg := range errs {
				fmt.Fprintln(os.Stderr, msg)
			}
			return errors.New("invalid device")
		}
		if linkPatient == "" {
			return errors.New(devices.MsgPatientRequired)
		}
		return devices.NewLinker(e.store, sess).LinkDevice(ctx, strings.TrimSpace(args[0]), linkPatient, strings.TrimSpace(linkName))
	}),
}

func init() {
	cmdLink.Flags().StringVar(&linkPatient, "patient", "", "UID of the patient.")
	cmdLink.Flags().StringVar(&linkName, "name", "", "Device name.")
}

var cmdDevices = &cobra.Command{
	Use:   "devices",
	Short: "List the devices of the signed-in user",
	RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
		sess, err := e.signIn(ctx)
		if err != nil {
			return err
		}
		uid, _ := sess.UserID()
		devs, err := devices.NewDirectory(e.store).ListDevicesForUser(ctx, uid)
		if err != nil {
			return err
		}
		for _, d := range devs {
			fmt.Printf("%s\t%s\t%s\n", d.ID, d.Name, d.PatientName)
		}
		return nil
	}),
}

var cmdMonitor = &cobra.Command{
	Use:   "monitor",
	Short: "Show the latest readings and events of the signed-in user's devices",
	RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
		sess, err := e.signIn(ctx)
		if err != nil {
			return err
		}
		agg := monitor.NewAggregator(e.store, devices.NewDirectory(e.store))
		switch state := monitor.NewPanel(agg, sess).Load(ctx).(type) {
		case monitor.PanelError:
			return errors.New(state.Message)
		case monitor.PanelEmpty:
			fmt.Println("No hay dispositivos.")
		case monitor.PanelSuccess:
			fmt.Print(renderPanel(state.Devices))
		}
		return nil
	}),
}

var cmdSchedule = &cobra.Command{
	Use:   "schedule",
	Short: "Show and edit dispensing schedules",
}

// scheduleEditor signs in and loads the schedule of a device.
func scheduleEditor(ctx context.Context, e *env, deviceID string) (*schedule.Editor, error) {
	sess, err := e.signIn(ctx)
	if err != nil {
		return nil, err
	}
	editor := schedule.NewEditor(e.store, e.db, sess, deviceID)
	if err := editor.Load(ctx); err != nil {
		return nil, err
	}
	return editor, nil
}

// printState prints one editor state, prefixed with the edited device.
func printState(deviceID string, s schedule.State) {
	switch s := s.(type) {
	case schedule.Loading:
		fmt.Printf("%s\tCargando...\n", deviceID)
	case schedule.Success:
		fmt.Printf("%s\t%s\t%v g\t(rol: %s)\n", deviceID, strings.Join(s.Config.Times, " "), s.Config.PillWeightG, s.Role)
	case schedule.Saving:
		fmt.Printf("%s\tGuardando...\n", deviceID)
	case schedule.Saved:
		fmt.Printf("%s\tGuardado.\n", deviceID)
	case schedule.Error:
		fmt.Printf("%s\t%s\n", deviceID, s.Message)
	}
}

var cmdScheduleShow = &cobra.Command{
	Use:  "show DEVICE-ID",
	Args: cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
		editor, err := scheduleEditor(ctx, e, args[0])
		if err != nil {
			return err
		}
		printState(editor.DeviceID(), editor.State())
		return nil
	}),
}

var cmdScheduleWatch = &cobra.Command{
	Use:   "watch DEVICE-ID",
	Short: "Print the schedule every time it changes, until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
		sess, err := e.signIn(ctx)
		if err != nil {
			return err
		}
		editor := schedule.NewEditor(e.store, e.db, sess, args[0])

		done := make(chan error, 1)
		go func() { done <- editor.Run(ctx) }()

		for {
			select {
			case s := <-editor.Updates():
				printState(editor.DeviceID(), s)
			case err := <-done:
				return err
			}
		}
	}),
}

// editAndSave loads a schedule, applies edit to it and saves it.
func editAndSave(edit func(*schedule.Editor) error) func(*cobra.Command, []string) error {
	return withEnv(func(ctx context.Context, e *env, args []string) error {
		editor, err := scheduleEditor(ctx, e, args[0])
		if err != nil {
			return err
		}
		if err := edit(editor); err != nil {
			return err
		}
		if err := editor.Save(ctx); err != nil {
			return err
		}
		printState(editor.DeviceID(), editor.State())
		return nil
	})
}

var cmdScheduleAdd = &cobra.Command{
	Use:  "add DEVICE-ID HH:MM",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editAndSave(func(editor *schedule.Editor) error {
			if !editor.AddTime(args[1]) {
				return fmt.Errorf("hora inválida: %q", args[1])
			}
			return nil
		})(cmd, args)
	},
}

var cmdScheduleRemove = &cobra.Command{
	Use:  "remove DEVICE-ID HH:MM",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editAndSave(func(editor *schedule.Editor) error {
			editor.RemoveTime(args[1])
			return nil
		})(cmd, args)
	},
}

var cmdScheduleSetWeight = &cobra.Command{
	Use:  "set-weight DEVICE-ID GRAMS",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editAndSave(func(editor *schedule.Editor) error {
			editor.SetWeight(args[1])
			return nil
		})(cmd, args)
	},
}

func main() {
	// glog flags are parsed by cobra; this only marks the Go flag set parsed.
	flag.CommandLine.Parse(nil)
	glog.CopyStandardLogTo("INFO")

	cmdRoot.AddCommand(cmdRegister, cmdPatients, cmdLink, cmdDevices, cmdMonitor, cmdSchedule)
	cmdSchedule.AddCommand(cmdScheduleShow, cmdScheduleWatch, cmdScheduleAdd, cmdScheduleRemove, cmdScheduleSetWeight)

	err := cmdRoot.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
